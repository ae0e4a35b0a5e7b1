package plan

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"
)

const (
	// SyntaxVersion is the plan format version this package reads and writes.
	SyntaxVersion = "1.0.0"

	pragmaSyntaxVersion = "syntax-version"
	pragmaProject       = "project"
	pragmaURI           = "uri"

	kindChange = "change"
	kindTag    = "tag"
)

// nameRE constrains change, tag, and project names. Names must not
// contain the characters that carry meaning on a plan line (@ : ! # [ ])
// or whitespace.
var nameRE = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_./+-]*$`)

// maxLineSize bounds a single plan line. Plans are small text files; a
// longer line is corruption.
const maxLineSize = 1 << 20

// ParseFile opens and parses the plan file at path.
func ParseFile(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	defer f.Close()
	return Parse(f, path)
}

// Parse reads a plan from r. The file name is used only in error
// messages. Parsing is a pure transform: it never touches disk beyond r
// and fails with *SyntaxError on the first malformed line.
func Parse(r io.Reader, file string) (*Plan, error) {
	p := newPlan(file)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		switch {
		case text == "" || strings.HasPrefix(text, "#"):
			continue
		case strings.HasPrefix(text, "%"):
			if err := p.parsePragma(text, line); err != nil {
				return nil, err
			}
		case strings.HasPrefix(text, "@"):
			if err := p.parseTagLine(text, line); err != nil {
				return nil, err
			}
		default:
			if err := p.parseChangeLine(text, line); err != nil {
				return nil, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read plan %s: %w", file, err)
	}
	if p.project == "" {
		return nil, &SyntaxError{File: file, Msg: "missing %project pragma"}
	}
	return p, nil
}

func (p *Plan) parsePragma(text string, line int) error {
	if len(p.entries) > 0 {
		return &SyntaxError{File: p.file, Line: line, Msg: "pragma after first entry"}
	}
	key, value, ok := strings.Cut(strings.TrimPrefix(text, "%"), "=")
	if !ok || value == "" {
		return &SyntaxError{File: p.file, Line: line, Msg: fmt.Sprintf("malformed pragma %q", text)}
	}
	switch key {
	case pragmaSyntaxVersion:
		if value != SyntaxVersion {
			return &SyntaxError{File: p.file, Line: line, Msg: fmt.Sprintf("unsupported syntax-version %q", value)}
		}
	case pragmaProject:
		if p.project != "" {
			return &SyntaxError{File: p.file, Line: line, Msg: "duplicate %project pragma"}
		}
		if !nameRE.MatchString(value) {
			return &SyntaxError{File: p.file, Line: line, Msg: fmt.Sprintf("invalid project name %q", value)}
		}
		p.project = value
	case pragmaURI:
		p.uri = value
	default:
		return &SyntaxError{File: p.file, Line: line, Msg: fmt.Sprintf("unknown pragma %%%s", key)}
	}
	return nil
}

func (p *Plan) parseChangeLine(text string, line int) error {
	if p.project == "" {
		return &SyntaxError{File: p.file, Line: line, Msg: "change before %project pragma"}
	}
	body, note := splitNote(text)
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return &SyntaxError{File: p.file, Line: line, Msg: "empty change line"}
	}
	name := fields[0]
	if !nameRE.MatchString(name) {
		return &SyntaxError{File: p.file, Line: line, Msg: fmt.Sprintf("invalid change name %q", name)}
	}
	if prev, ok := p.window[name]; ok {
		return &SyntaxError{File: p.file, Line: line,
			Msg: fmt.Sprintf("change %q already declared on line %d; add a tag before reusing a name", name, prev)}
	}

	i := 1
	deps, next, err := parseDepList(fields, i)
	if err != nil {
		return &SyntaxError{File: p.file, Line: line, Msg: err.Error()}
	}
	i = next

	c := &Change{Name: name, Note: note, line: line}
	for _, tok := range deps {
		conflict := strings.HasPrefix(tok, "!")
		ref, err := ParseRef(strings.TrimPrefix(tok, "!"))
		if err != nil {
			return &SyntaxError{File: p.file, Line: line, Msg: err.Error()}
		}
		if conflict {
			c.Conflicts = append(c.Conflicts, ref)
		} else {
			c.Requires = append(c.Requires, ref)
		}
	}

	at, rest, err := parseTimeAndPlanner(fields[i:])
	if err != nil {
		return &SyntaxError{File: p.file, Line: line, Msg: err.Error()}
	}
	c.PlannedAt = at
	c.PlannerName, c.PlannerEmail = rest[0], rest[1]

	p.appendChange(c)
	return nil
}

func (p *Plan) parseTagLine(text string, line int) error {
	if p.project == "" {
		return &SyntaxError{File: p.file, Line: line, Msg: "tag before %project pragma"}
	}
	body, note := splitNote(text)
	fields := strings.Fields(body)
	name := strings.TrimPrefix(fields[0], "@")
	if !nameRE.MatchString(name) {
		return &SyntaxError{File: p.file, Line: line, Msg: fmt.Sprintf("invalid tag name %q", fields[0])}
	}
	if prev, ok := p.byTag[name]; ok {
		return &SyntaxError{File: p.file, Line: line,
			Msg: fmt.Sprintf("tag @%s already declared on line %d", name, prev.line)}
	}
	if len(p.changes) == 0 {
		return &SyntaxError{File: p.file, Line: line, Msg: fmt.Sprintf("tag @%s declared before any change", name)}
	}

	at, rest, err := parseTimeAndPlanner(fields[1:])
	if err != nil {
		return &SyntaxError{File: p.file, Line: line, Msg: err.Error()}
	}
	t := &Tag{Name: name, Note: note, PlannedAt: at, PlannerName: rest[0], PlannerEmail: rest[1], line: line}

	p.appendTag(t)
	return nil
}

// splitNote separates the entry body from the trailing # note.
func splitNote(s string) (body, note string) {
	if i := strings.Index(s, " #"); i >= 0 {
		return strings.TrimSpace(s[:i]), strings.TrimSpace(strings.TrimPrefix(s[i:], " #"))
	}
	return s, ""
}

// parseDepList consumes an optional [dep dep ...] group from fields
// starting at index i. It returns the raw tokens and the index of the
// first field after the group.
func parseDepList(fields []string, i int) ([]string, int, error) {
	if i >= len(fields) || !strings.HasPrefix(fields[i], "[") {
		return nil, i, nil
	}
	var toks []string
	cur := strings.TrimPrefix(fields[i], "[")
	for {
		closed := strings.HasSuffix(cur, "]")
		if closed {
			cur = strings.TrimSuffix(cur, "]")
		}
		if cur != "" {
			toks = append(toks, cur)
		}
		i++
		if closed {
			return toks, i, nil
		}
		if i >= len(fields) {
			return nil, i, fmt.Errorf("unterminated dependency list")
		}
		cur = fields[i]
	}
}

// parseTimeAndPlanner parses the trailing "<timestamp> <name ...> <email>"
// fields shared by change and tag lines. The planner name and email are
// returned as a two-element array.
func parseTimeAndPlanner(fields []string) (time.Time, [2]string, error) {
	var id [2]string
	if len(fields) < 3 {
		return time.Time{}, id, fmt.Errorf("missing timestamp or planner identity")
	}
	at, err := time.Parse(timeLayout, fields[0])
	if err != nil {
		return time.Time{}, id, fmt.Errorf("invalid timestamp %q", fields[0])
	}
	joined := strings.Join(fields[1:], " ")
	open := strings.LastIndexByte(joined, '<')
	if open <= 0 || !strings.HasSuffix(joined, ">") {
		return time.Time{}, id, fmt.Errorf("malformed planner identity %q", joined)
	}
	name := strings.TrimSpace(joined[:open])
	email := joined[open+1 : len(joined)-1]
	if name == "" || email == "" || strings.ContainsAny(email, " <>") {
		return time.Time{}, id, fmt.Errorf("malformed planner identity %q", joined)
	}
	id[0], id[1] = name, email
	return at.UTC(), id, nil
}
