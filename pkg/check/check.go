// Package check lints SQL change scripts for statements that are not
// idempotent. A script that can be rerun safely keeps redeploys and
// recovered partial failures from erroring on objects that already
// exist.
package check

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Rule flags a statement pattern unless its guard appears alongside it.
type Rule struct {
	// Name identifies the rule in findings.
	Name string

	// Pattern matches the statement the rule cares about.
	Pattern *regexp.Regexp

	// Guard silences the rule when it matches the same line.
	Guard *regexp.Regexp

	// Advice tells the author how to make the statement idempotent.
	Advice string
}

// Finding is one non-idempotent statement in a script.
type Finding struct {
	Path   string
	Line   int
	Rule   string
	Advice string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s:%d: %s: %s", f.Path, f.Line, f.Rule, f.Advice)
}

// Rules returns the built-in rule set.
func Rules() []Rule {
	return []Rule{
		{
			Name:    "create-table",
			Pattern: regexp.MustCompile(`(?i)\bCREATE\s+(TEMP(ORARY)?\s+)?TABLE\b`),
			Guard:   regexp.MustCompile(`(?i)\bIF\s+NOT\s+EXISTS\b`),
			Advice:  "use CREATE TABLE IF NOT EXISTS",
		},
		{
			Name:    "create-index",
			Pattern: regexp.MustCompile(`(?i)\bCREATE\s+(UNIQUE\s+)?INDEX\b`),
			Guard:   regexp.MustCompile(`(?i)\bIF\s+NOT\s+EXISTS\b`),
			Advice:  "use CREATE INDEX IF NOT EXISTS",
		},
		{
			Name:    "create-view",
			Pattern: regexp.MustCompile(`(?i)\bCREATE\s+VIEW\b`),
			Guard:   regexp.MustCompile(`(?i)\bIF\s+NOT\s+EXISTS\b`),
			Advice:  "use CREATE VIEW IF NOT EXISTS",
		},
		{
			Name:    "drop",
			Pattern: regexp.MustCompile(`(?i)\bDROP\s+(TABLE|INDEX|VIEW|TRIGGER)\b`),
			Guard:   regexp.MustCompile(`(?i)\bIF\s+EXISTS\b`),
			Advice:  "use DROP ... IF EXISTS",
		},
		{
			Name:    "add-column",
			Pattern: regexp.MustCompile(`(?i)\bADD\s+COLUMN\b`),
			Guard:   regexp.MustCompile(`(?i)\bIF\s+NOT\s+EXISTS\b`),
			Advice:  "guard with IF NOT EXISTS where the engine supports it, otherwise split the change",
		},
	}
}

// Checker scans SQL sources against a rule set.
type Checker struct {
	rules []Rule
}

// New creates a checker with the built-in rules.
func New() *Checker {
	return &Checker{rules: Rules()}
}

// Check scans src line by line and returns a finding for every flagged
// statement. The path only labels findings.
func (c *Checker) Check(path string, src []byte) []Finding {
	var findings []Finding
	inBlock := false

	for i, line := range strings.Split(string(src), "\n") {
		var code string
		code, inBlock = stripComments(line, inBlock)
		if strings.TrimSpace(code) == "" {
			continue
		}

		for _, rule := range c.rules {
			if !rule.Pattern.MatchString(code) {
				continue
			}
			if rule.Guard != nil && rule.Guard.MatchString(code) {
				continue
			}
			findings = append(findings, Finding{
				Path:   path,
				Line:   i + 1,
				Rule:   rule.Name,
				Advice: rule.Advice,
			})
		}
	}

	return findings
}

// CheckFile scans a single file.
func (c *Checker) CheckFile(path string) ([]Finding, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return c.Check(path, src), nil
}

// CheckPaths scans files and directories. Directories are walked for
// .sql files. Findings come back ordered by path, then line.
func (c *Checker) CheckPaths(paths []string) ([]Finding, error) {
	var findings []Finding

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if !info.IsDir() {
			found, err := c.CheckFile(path)
			if err != nil {
				return nil, err
			}
			findings = append(findings, found...)
			continue
		}

		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(p, ".sql") {
				return nil
			}
			found, err := c.CheckFile(p)
			if err != nil {
				return err
			}
			findings = append(findings, found...)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Path != findings[j].Path {
			return findings[i].Path < findings[j].Path
		}
		return findings[i].Line < findings[j].Line
	})

	return findings, nil
}

// stripComments removes -- line comments and /* */ block comments from
// one line. inBlock says whether the line starts inside a block
// comment; the second return reports whether the next one does.
func stripComments(line string, inBlock bool) (string, bool) {
	var out strings.Builder

	i := 0
	for i < len(line) {
		if inBlock {
			end := strings.Index(line[i:], "*/")
			if end < 0 {
				return out.String(), true
			}
			i += end + 2
			inBlock = false
			continue
		}
		if strings.HasPrefix(line[i:], "--") {
			return out.String(), false
		}
		if strings.HasPrefix(line[i:], "/*") {
			inBlock = true
			i += 2
			continue
		}
		out.WriteByte(line[i])
		i++
	}

	return out.String(), inBlock
}
