package plan

import (
	"fmt"
	"io"
	"iter"
	"strings"
	"time"
)

// Plan is the ordered, hash-chained ledger of changes and tags for one
// project. A Plan is safe for concurrent reads; AddChange and AddTag are
// the only mutating operations and must not race with readers.
type Plan struct {
	file          string
	project       string
	uri           string
	syntaxVersion string

	entries []Entry
	changes []*Change

	byID      map[string]Entry
	byName    map[string]*Change
	byTag     map[string]*Tag
	byNameTag map[string]*Change
	posByID   map[string]int

	// window tracks change names declared since the last tag, for
	// name-uniqueness enforcement. Values are declaration lines.
	window map[string]int
}

func newPlan(file string) *Plan {
	return &Plan{
		file:          file,
		syntaxVersion: SyntaxVersion,
		byID:          make(map[string]Entry),
		byName:        make(map[string]*Change),
		byTag:         make(map[string]*Tag),
		byNameTag:     make(map[string]*Change),
		posByID:       make(map[string]int),
		window:        make(map[string]int),
	}
}

// New creates an empty plan for project, ready for AddChange/AddTag.
// Used by `strata init`; parsed plans come from Parse.
func New(project, uri, file string) (*Plan, error) {
	if !nameRE.MatchString(project) {
		return nil, fmt.Errorf("invalid project name %q", project)
	}
	p := newPlan(file)
	p.project = project
	p.uri = uri
	return p, nil
}

// Project returns the project name from the %project pragma.
func (p *Plan) Project() string { return p.project }

// URI returns the project URI from the %uri pragma, if set.
func (p *Plan) URI() string { return p.uri }

// File returns the path the plan was parsed from.
func (p *Plan) File() string { return p.file }

// Entries returns the full ledger in order. The returned slice is shared;
// callers must not modify it.
func (p *Plan) Entries() []Entry { return p.entries }

// Changes returns a lazy sequence over the plan's changes in ledger
// order. The sequence is restartable and iterating it does not mutate
// the plan.
func (p *Plan) Changes() iter.Seq[*Change] {
	return func(yield func(*Change) bool) {
		for _, c := range p.changes {
			if !yield(c) {
				return
			}
		}
	}
}

// NumChanges returns the number of changes in the plan.
func (p *Plan) NumChanges() int { return len(p.changes) }

// ChangeAt returns the change at position i in ledger order.
func (p *Plan) ChangeAt(i int) *Change { return p.changes[i] }

// ChangeIndex returns the ledger position of the change with the given
// id, or -1 if the id is not a change in this plan.
func (p *Plan) ChangeIndex(id string) int {
	if i, ok := p.posByID[id]; ok {
		return i
	}
	return -1
}

// Contains reports whether id identifies an entry in this plan.
func (p *Plan) Contains(id string) bool {
	_, ok := p.byID[id]
	return ok
}

// LastChange returns the plan's final change, or nil for an empty plan.
func (p *Plan) LastChange() *Change {
	if len(p.changes) == 0 {
		return nil
	}
	return p.changes[len(p.changes)-1]
}

// LastEntry returns the plan's final ledger entry, or nil.
func (p *Plan) LastEntry() Entry {
	if len(p.entries) == 0 {
		return nil
	}
	return p.entries[len(p.entries)-1]
}

// Get resolves key to a ledger entry. Keys may be a full entry id, a
// change name, a tag with or without the leading @, or name@tag pinning
// a historical instance of a reworked change. Names resolve to their
// most recent instance.
func (p *Plan) Get(key string) (Entry, bool) {
	if e, ok := p.byID[key]; ok {
		return e, true
	}
	if rest, ok := strings.CutPrefix(key, "@"); ok {
		t, ok := p.byTag[rest]
		if !ok {
			return nil, false
		}
		return t, true
	}
	if strings.ContainsRune(key, '@') {
		c, ok := p.byNameTag[key]
		if !ok {
			return nil, false
		}
		return c, true
	}
	if c, ok := p.byName[key]; ok {
		return c, true
	}
	if t, ok := p.byTag[key]; ok {
		return t, true
	}
	return nil, false
}

// GetChange resolves key like Get but always lands on a change: a tag
// key resolves to the change the tag pins.
func (p *Plan) GetChange(key string) (*Change, bool) {
	e, ok := p.Get(key)
	if !ok {
		return nil, false
	}
	switch v := e.(type) {
	case *Change:
		return v, true
	case *Tag:
		c, ok := p.byID[v.ChangeID].(*Change)
		return c, ok
	}
	return nil, false
}

// VerifyChain recomputes every entry id from its content and its
// predecessor's recomputed id. The first mismatch is reported as an
// *IntegrityError; a clean chain returns nil.
func (p *Plan) VerifyChain() error {
	parent := ""
	lastChange := ""
	for _, e := range p.entries {
		var want string
		switch v := e.(type) {
		case *Change:
			want = hashEntry(kindChange, changeInfo(p.project, v, parent))
			lastChange = want
		case *Tag:
			if v.ChangeID != lastChange {
				return &IntegrityError{File: p.file, Entry: v.DisplayName(),
					Msg: "tag does not pin its preceding change"}
			}
			want = hashEntry(kindTag, tagInfo(p.project, v, lastChange, parent))
		}
		if want != e.EntryID() {
			return &IntegrityError{File: p.file, Entry: e.DisplayName(),
				Msg: fmt.Sprintf("stored id %s does not derive from entry content and parent id", shortID(e.EntryID()))}
		}
		parent = want
	}
	return nil
}

// AddChange appends a change to the plan and chains its id to the
// current last entry. Local requires must resolve to existing entries.
func (p *Plan) AddChange(name string, requires, conflicts []Ref, plannerName, plannerEmail, note string, at time.Time) (*Change, error) {
	if !nameRE.MatchString(name) {
		return nil, fmt.Errorf("invalid change name %q", name)
	}
	if _, ok := p.window[name]; ok {
		return nil, fmt.Errorf("change %q already exists; tag the plan before reusing a name", name)
	}
	for _, r := range requires {
		if r.IsForeign() {
			continue
		}
		if _, ok := p.GetChange(r.Key()); !ok {
			return nil, fmt.Errorf("change %q requires unknown change %q", name, r)
		}
	}
	c := &Change{
		Name:         name,
		Requires:     requires,
		Conflicts:    conflicts,
		PlannedAt:    at.UTC(),
		PlannerName:  plannerName,
		PlannerEmail: plannerEmail,
		Note:         sanitizeNote(note),
	}
	p.appendChange(c)
	return c, nil
}

// AddTag appends a tag pinning the plan's current last change. A leading
// @ on name is accepted and stripped.
func (p *Plan) AddTag(name, plannerName, plannerEmail, note string, at time.Time) (*Tag, error) {
	name = strings.TrimPrefix(name, "@")
	if !nameRE.MatchString(name) {
		return nil, fmt.Errorf("invalid tag name %q", name)
	}
	if _, ok := p.byTag[name]; ok {
		return nil, fmt.Errorf("tag @%s already exists", name)
	}
	if len(p.changes) == 0 {
		return nil, fmt.Errorf("cannot tag an empty plan")
	}
	t := &Tag{
		Name:         name,
		PlannedAt:    at.UTC(),
		PlannerName:  plannerName,
		PlannerEmail: plannerEmail,
		Note:         sanitizeNote(note),
	}
	p.appendTag(t)
	return t, nil
}

// WriteTo serializes the plan in canonical form. Parsing the output
// yields a plan with identical entry ids.
func (p *Plan) WriteTo(w io.Writer) (int64, error) {
	var n int64
	write := func(format string, args ...any) error {
		m, err := fmt.Fprintf(w, format, args...)
		n += int64(m)
		return err
	}

	if err := write("%%%s=%s\n", pragmaSyntaxVersion, p.syntaxVersion); err != nil {
		return n, err
	}
	if err := write("%%%s=%s\n", pragmaProject, p.project); err != nil {
		return n, err
	}
	if p.uri != "" {
		if err := write("%%%s=%s\n", pragmaURI, p.uri); err != nil {
			return n, err
		}
	}
	if err := write("\n"); err != nil {
		return n, err
	}

	for _, e := range p.entries {
		var err error
		switch v := e.(type) {
		case *Change:
			err = write("%s\n", formatChangeLine(v))
		case *Tag:
			err = write("%s\n", formatTagLine(v))
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func formatChangeLine(c *Change) string {
	var b strings.Builder
	b.WriteString(c.Name)
	if len(c.Requires)+len(c.Conflicts) > 0 {
		toks := make([]string, 0, len(c.Requires)+len(c.Conflicts))
		for _, r := range c.Requires {
			toks = append(toks, r.String())
		}
		for _, r := range c.Conflicts {
			toks = append(toks, "!"+r.String())
		}
		b.WriteString(" [")
		b.WriteString(strings.Join(toks, " "))
		b.WriteString("]")
	}
	b.WriteString(" ")
	b.WriteString(c.PlannedAt.UTC().Format(timeLayout))
	b.WriteString(" ")
	b.WriteString(c.Planner())
	if c.Note != "" {
		b.WriteString(" # ")
		b.WriteString(c.Note)
	}
	return b.String()
}

func formatTagLine(t *Tag) string {
	var b strings.Builder
	b.WriteString("@")
	b.WriteString(t.Name)
	b.WriteString(" ")
	b.WriteString(t.PlannedAt.UTC().Format(timeLayout))
	b.WriteString(" ")
	b.WriteString(t.Planner())
	if t.Note != "" {
		b.WriteString(" # ")
		b.WriteString(t.Note)
	}
	return b.String()
}

func (p *Plan) appendChange(c *Change) {
	c.ID = hashEntry(kindChange, changeInfo(p.project, c, p.lastID()))
	p.posByID[c.ID] = len(p.changes)
	p.entries = append(p.entries, c)
	p.changes = append(p.changes, c)
	p.byID[c.ID] = c
	p.byName[c.Name] = c
	p.window[c.Name] = c.line
}

func (p *Plan) appendTag(t *Tag) {
	last := p.changes[len(p.changes)-1]
	t.ChangeID = last.ID
	t.ID = hashEntry(kindTag, tagInfo(p.project, t, t.ChangeID, p.lastID()))
	p.entries = append(p.entries, t)
	p.byID[t.ID] = t
	p.byTag[t.Name] = t
	last.Tags = append(last.Tags, t.Name)
	for name, c := range p.byName {
		p.byNameTag[name+"@"+t.Name] = c
	}
	p.window = make(map[string]int)
}

func (p *Plan) lastID() string {
	if len(p.entries) == 0 {
		return ""
	}
	return p.entries[len(p.entries)-1].EntryID()
}

func sanitizeNote(note string) string {
	return strings.TrimSpace(strings.ReplaceAll(note, "\n", " "))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
