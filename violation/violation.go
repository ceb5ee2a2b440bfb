// Package violation records sandbox denials reported by the isolation
// backends. Records are advisory: they are collected while a command runs
// and returned alongside its exit status.
package violation

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sandboxrt/srt/internal/pathutil"
)

// Kind classifies what the sandboxed process attempted.
type Kind string

const (
	KindFileRead   Kind = "file-read"
	KindFileWrite  Kind = "file-write"
	KindNetwork    Kind = "network"
	KindUnixSocket Kind = "unix-socket"
	KindSyscall    Kind = "syscall"
	KindOther      Kind = "other"
)

// AnyTool is the ignoreViolations key that applies to every tool.
const AnyTool = "*"

// Violation is one denied operation.
type Violation struct {
	// Kind is the category of the denied operation.
	Kind Kind

	// Target is the path, host or socket the operation was aimed at.
	Target string

	// Tool identifies the program that triggered the denial, usually the
	// command's executable name.
	Tool string

	// Detail is a human readable description.
	Detail string

	// Raw is the backend's original report line, if any.
	Raw string

	// Time is when the denial was first observed.
	Time time.Time

	// Count is how many identical denials were folded into this record.
	Count int
}

// key identifies duplicates: the same kind of operation on the same target
// by the same tool.
type key struct {
	kind   Kind
	target string
	tool   string
}

func (v Violation) key() key { return key{v.Kind, v.Target, v.Tool} }

func (v Violation) String() string {
	if v.Tool != "" {
		return fmt.Sprintf("%s %s (%s)", v.Kind, v.Target, v.Tool)
	}
	return fmt.Sprintf("%s %s", v.Kind, v.Target)
}

// Recorder accepts violations. *Store implements it; backends depend only on
// this interface.
type Recorder interface {
	Record(v Violation) bool
}

// ValidatePattern reports whether p is a usable ignore glob.
func ValidatePattern(p string) error {
	if p == "" {
		return errors.New("pattern must not be empty")
	}
	if !doublestar.ValidatePattern(pathutil.ExpandHome(p)) {
		return fmt.Errorf("pattern %q: %w", p, doublestar.ErrBadPattern)
	}
	return nil
}

// IgnoreRules maps a tool identifier, or AnyTool, to glob patterns of
// violation targets that should be dropped.
type IgnoreRules map[string][]string

// NewIgnoreRules validates src and returns rules with "~" expanded.
func NewIgnoreRules(src map[string][]string) (IgnoreRules, error) {
	rules := make(IgnoreRules, len(src))
	for tool, patterns := range src {
		expanded := make([]string, 0, len(patterns))
		for _, p := range patterns {
			if err := ValidatePattern(p); err != nil {
				return nil, fmt.Errorf("ignoreViolations[%q]: %w", tool, err)
			}
			expanded = append(expanded, pathutil.ExpandHome(p))
		}
		rules[tool] = expanded
	}
	return rules, nil
}

// Ignored reports whether v matches a rule for its tool, for the tool's base
// name, or for AnyTool.
func (r IgnoreRules) Ignored(v Violation) bool {
	if len(r) == 0 {
		return false
	}
	keys := []string{AnyTool}
	if v.Tool != "" {
		keys = append(keys, v.Tool)
		if base := filepath.Base(v.Tool); base != v.Tool {
			keys = append(keys, base)
		}
	}
	for _, k := range keys {
		for _, p := range r[k] {
			if ok, _ := doublestar.Match(p, v.Target); ok {
				return true
			}
		}
	}
	return false
}
