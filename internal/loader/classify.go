package loader

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ashita-ai/utsushi/internal/config"
)

// DefaultFailurePatterns flag loader output that signals a failed transfer
// even when the loader exits zero. The list is heuristic; operators can
// replace it through the configuration file.
var DefaultFailurePatterns = []config.FailurePattern{
	{Name: "error marker", Pattern: `\bERROR\b`},
	{Name: "fatal marker", Pattern: `\bFATAL\b`},
	{Name: "failed to connect", Pattern: `(?i)failed to connect`},
	{Name: "connection refused", Pattern: `(?i)connection refused`},
	{Name: "could not connect", Pattern: `(?i)could not connect`},
	{Name: "access denied", Pattern: `(?i)access denied for user`},
	{Name: "authentication failed", Pattern: `(?i)authentication failed`},
	// Summary line reads "Total import time  <errors>  <rows>  <bytes>  <time>".
	{Name: "zero rows imported", Pattern: `(?m)Total import time\s+\S+\s+0\s`},
}

type failurePattern struct {
	name string
	re   *regexp.Regexp
}

// Classifier scans loader output for failure signatures.
type Classifier struct {
	patterns []failurePattern
}

// Match describes the first failure signature found in loader output.
type Match struct {
	Pattern string // name of the matching pattern
	Line    string // the output line containing the match
}

// NewClassifier compiles patterns. An empty list selects
// DefaultFailurePatterns.
func NewClassifier(patterns []config.FailurePattern) (*Classifier, error) {
	if len(patterns) == 0 {
		patterns = DefaultFailurePatterns
	}
	c := &Classifier{patterns: make([]failurePattern, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("loader: failure pattern %q: %w", p.Name, err)
		}
		name := p.Name
		if name == "" {
			name = p.Pattern
		}
		c.patterns = append(c.patterns, failurePattern{name: name, re: re})
	}
	return c, nil
}

// Classify returns the first pattern, in list order, that matches output.
func (c *Classifier) Classify(output string) (Match, bool) {
	for _, p := range c.patterns {
		loc := p.re.FindStringIndex(output)
		if loc == nil {
			continue
		}
		return Match{Pattern: p.name, Line: lineAt(output, loc[0])}, true
	}
	return Match{}, false
}

// Patterns returns the names of the active patterns in evaluation order.
func (c *Classifier) Patterns() []string {
	names := make([]string, len(c.patterns))
	for i, p := range c.patterns {
		names[i] = p.name
	}
	return names
}

func lineAt(s string, i int) string {
	start := strings.LastIndexByte(s[:i], '\n') + 1
	end := strings.IndexByte(s[i:], '\n')
	if end < 0 {
		return strings.TrimSpace(s[start:])
	}
	return strings.TrimSpace(s[start : i+end])
}
