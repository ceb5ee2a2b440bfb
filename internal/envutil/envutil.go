// Package envutil manipulates "KEY=VALUE" environment slices.
package envutil

import (
	"slices"
	"strings"
)

// key returns the name portion of a "KEY=VALUE" entry.
func key(entry string) string {
	if i := strings.IndexByte(entry, '='); i >= 0 {
		return entry[:i]
	}
	return entry
}

// Lookup returns the value of name in env. The last occurrence wins, as it
// does for execve.
func Lookup(env []string, name string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		if key(env[i]) == name && len(env[i]) > len(name) {
			return env[i][len(name)+1:], true
		}
	}
	return "", false
}

// Merge returns a new slice containing base with every entry of overrides
// applied. An override replaces the base entry with the same key in place;
// new keys are appended in order. base is not modified.
func Merge(base []string, overrides ...string) []string {
	idx := make(map[string]int, len(base)+len(overrides))
	out := make([]string, 0, len(base)+len(overrides))
	for _, e := range slices.Concat(base, overrides) {
		k := key(e)
		if i, ok := idx[k]; ok {
			out[i] = e
			continue
		}
		idx[k] = len(out)
		out = append(out, e)
	}
	return out
}

// Without returns a copy of env minus every entry whose key starts with one
// of prefixes. Without(env, "DYLD_") drops all DYLD_* variables.
func Without(env []string, prefixes ...string) []string {
	return slices.DeleteFunc(slices.Clone(env), func(e string) bool {
		k := key(e)
		for _, p := range prefixes {
			if strings.HasPrefix(k, p) {
				return true
			}
		}
		return false
	})
}

// FromMap converts m to a sorted environment slice.
func FromMap(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}
