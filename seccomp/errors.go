package seccomp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCompile indicates that no source could produce a filter.
	ErrCompile = errors.New("srt: seccomp filter unavailable")

	// ErrUnsupported indicates the host cannot load seccomp filters.
	ErrUnsupported = errors.New("seccomp: not supported on this platform")
)

// CompileError records why every filter source failed for an architecture.
type CompileError struct {
	Arch     string
	Variant  Variant
	Attempts []error
}

func (e *CompileError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Error())
	}
	return fmt.Sprintf("%s for %s (%s): %s", ErrCompile.Error(), e.Arch, e.Variant, strings.Join(parts, "; "))
}

func (e *CompileError) Unwrap() []error {
	return append([]error{ErrCompile}, e.Attempts...)
}
