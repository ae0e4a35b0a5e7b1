package plan

import (
	"fmt"
	"strings"
)

// Ref is a dependency reference of the form [project:]name[@tag].
// An empty Project means the reference targets the plan's own project.
// Name may be empty when the reference is a bare @tag.
type Ref struct {
	// Project is the foreign project name, or empty for a local reference.
	Project string `json:"project,omitempty"`

	// Name is the referenced change name, or empty for a bare tag reference.
	Name string `json:"name,omitempty"`

	// Tag pins the reference to the named tag's position, without the
	// leading @.
	Tag string `json:"tag,omitempty"`
}

// ParseRef parses a dependency token. The grammar is [project:]name[@tag];
// at least one of name or tag must be present.
func ParseRef(s string) (Ref, error) {
	var r Ref
	rest := s
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		r.Project = rest[:i]
		rest = rest[i+1:]
		if r.Project == "" || !nameRE.MatchString(r.Project) {
			return Ref{}, fmt.Errorf("invalid project in dependency %q", s)
		}
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		r.Name = rest[:i]
		r.Tag = rest[i+1:]
		if r.Tag == "" || !nameRE.MatchString(r.Tag) {
			return Ref{}, fmt.Errorf("invalid tag in dependency %q", s)
		}
	} else {
		r.Name = rest
	}
	if r.Name == "" && r.Tag == "" {
		return Ref{}, fmt.Errorf("empty dependency reference %q", s)
	}
	if r.Name != "" && !nameRE.MatchString(r.Name) {
		return Ref{}, fmt.Errorf("invalid change name in dependency %q", s)
	}
	return r, nil
}

// String renders the reference in plan-file form.
func (r Ref) String() string {
	var b strings.Builder
	if r.Project != "" {
		b.WriteString(r.Project)
		b.WriteByte(':')
	}
	b.WriteString(r.Name)
	if r.Tag != "" {
		b.WriteByte('@')
		b.WriteString(r.Tag)
	}
	return b.String()
}

// IsForeign reports whether the reference targets another project.
func (r Ref) IsForeign() bool { return r.Project != "" }

// Key returns the lookup key within the referenced project's plan:
// "name", "name@tag", or "@tag".
func (r Ref) Key() string {
	if r.Tag != "" {
		return r.Name + "@" + r.Tag
	}
	return r.Name
}
