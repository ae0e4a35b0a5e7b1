package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// timeLayout is the timestamp format used on plan lines and inside the
// hashed info blocks. All times are normalized to UTC before hashing.
const timeLayout = time.RFC3339

// hashEntry derives the content-addressed id for a ledger entry from its
// canonical info block. The kind and length prefix keep change and tag
// hashes in separate domains.
func hashEntry(kind, info string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s %d\x00", kind, len(info))
	h.Write([]byte(info))
	return hex.EncodeToString(h.Sum(nil))
}

// changeInfo renders the canonical block hashed into a change id. The
// parent id chains the entry to its predecessor; it is empty only for
// the first entry in a plan.
func changeInfo(project string, c *Change, parent string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "project %s\n", project)
	fmt.Fprintf(&b, "change %s\n", c.Name)
	if parent != "" {
		fmt.Fprintf(&b, "parent %s\n", parent)
	}
	for _, r := range c.Requires {
		fmt.Fprintf(&b, "requires %s\n", r)
	}
	for _, r := range c.Conflicts {
		fmt.Fprintf(&b, "conflicts %s\n", r)
	}
	fmt.Fprintf(&b, "planner %s <%s>\n", c.PlannerName, c.PlannerEmail)
	fmt.Fprintf(&b, "date %s\n", c.PlannedAt.UTC().Format(timeLayout))
	if c.Note != "" {
		fmt.Fprintf(&b, "\n%s\n", c.Note)
	}
	return b.String()
}

// tagInfo renders the canonical block hashed into a tag id. changeID is
// the id of the change the tag pins.
func tagInfo(project string, t *Tag, changeID, parent string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "project %s\n", project)
	fmt.Fprintf(&b, "tag @%s\n", t.Name)
	fmt.Fprintf(&b, "change %s\n", changeID)
	if parent != "" {
		fmt.Fprintf(&b, "parent %s\n", parent)
	}
	fmt.Fprintf(&b, "planner %s <%s>\n", t.PlannerName, t.PlannerEmail)
	fmt.Fprintf(&b, "date %s\n", t.PlannedAt.UTC().Format(timeLayout))
	if t.Note != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Note)
	}
	return b.String()
}
