// Package pathutil provides path helpers shared by the sandbox backends:
// home expansion, glob expansion, canonicalization and glob-to-regex
// translation for profile generation.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// userHomeDirFn is overridden in tests.
var userHomeDirFn = os.UserHomeDir

// ---------------------------------------------------------------------------
// Expansion
// ---------------------------------------------------------------------------

// ExpandHome replaces a leading "~" or "~/" with the user's home directory.
// Other forms such as "~user" are returned unchanged.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := userHomeDirFn()
	if err != nil || home == "" {
		return p
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, p[2:])
}

// Absolute expands "~" and resolves p against the working directory.
func Absolute(p string) (string, error) {
	return filepath.Abs(ExpandHome(p))
}

// Canonicalize returns the absolute, symlink-free form of p. When p does not
// exist the cleaned absolute path is returned.
func Canonicalize(p string) string {
	abs, err := Absolute(p)
	if err != nil {
		return filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// ---------------------------------------------------------------------------
// Glob Pattern Support
// ---------------------------------------------------------------------------

// IsGlobPattern returns true if the string contains glob metacharacters.
func IsGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// ExpandGlob expands a doublestar pattern ("**" crosses directories) to the
// paths that currently exist. A pattern without metacharacters yields itself
// if it exists.
func ExpandGlob(pattern string) ([]string, error) {
	pattern = ExpandHome(pattern)
	if !IsGlobPattern(pattern) {
		if _, err := os.Lstat(pattern); err == nil {
			return []string{pattern}, nil
		}
		return nil, nil
	}
	return doublestar.FilepathGlob(pattern, doublestar.WithNoFollow())
}

// ExpandAll expands every entry of patterns, keeping literal paths even when
// they do not exist yet. Invalid patterns are reported through onErr and
// skipped.
func ExpandAll(patterns []string, onErr func(pattern string, err error)) []string {
	var out []string
	for _, p := range patterns {
		if !IsGlobPattern(p) {
			abs, err := Absolute(p)
			if err != nil {
				if onErr != nil {
					onErr(p, err)
				}
				continue
			}
			out = append(out, abs)
			continue
		}
		abs, err := Absolute(p)
		if err != nil {
			if onErr != nil {
				onErr(p, err)
			}
			continue
		}
		matches, err := ExpandGlob(abs)
		if err != nil {
			if onErr != nil {
				onErr(p, err)
			}
			continue
		}
		out = append(out, matches...)
	}
	return out
}

// GlobToRegex converts a glob pattern to a regexp string for consumers that
// only understand regular expressions, such as SBPL profiles.
// Supports: * (any non-separator), ** (any including separator),
// ? (single non-separator char), [...] (character class).
func GlobToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch ch {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					i++
					b.WriteString("(?:.*/)?")
					continue
				}
				b.WriteString(".*")
				continue
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		case '[':
			j := i + 1
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j < len(pattern) {
				b.WriteString(pattern[i : j+1])
				i = j
				continue
			}
			b.WriteString(`\[`)
		case '.', '+', '^', '$', '|', '(', ')', '{', '}', ']', '\\':
			b.WriteByte('\\')
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}
	b.WriteString("$")
	return b.String()
}

// ---------------------------------------------------------------------------
// Path Helpers
// ---------------------------------------------------------------------------

// Exists reports whether p exists without following a final symlink.
func Exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}

// IsDir reports whether p exists and is a directory.
func IsDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// IsWithin reports whether p equals root or lies below it. Both paths must
// be clean and absolute.
func IsWithin(p, root string) bool {
	if p == root || root == "/" {
		return true
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

// ContainsNullByte returns true if the string contains a null byte.
func ContainsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00')
}
