package srt

import (
	"time"

	"github.com/sandboxrt/srt/violation"
)

// ExitCodeSandboxKilled is reported when the kernel killed the command for
// a syscall the seccomp filter forbids (128 + SIGSYS).
const ExitCodeSandboxKilled = 159

// Violation is a denied operation observed while a command ran.
type Violation = violation.Violation

// ViolationKind classifies a Violation.
type ViolationKind = violation.Kind

const (
	ViolationFileRead   = violation.KindFileRead
	ViolationFileWrite  = violation.KindFileWrite
	ViolationNetwork    = violation.KindNetwork
	ViolationUnixSocket = violation.KindUnixSocket
	ViolationSyscall    = violation.KindSyscall
	ViolationOther      = violation.KindOther
)

// Result holds the outcome of a sandboxed command.
type Result struct {
	// Command is the command string or the joined argv.
	Command string

	// ExitCode is the process exit code. A process killed by a signal
	// reports 128+signal.
	ExitCode int

	// Stdout and Stderr hold captured output. They stay empty when the
	// caller supplied its own writers.
	Stdout string
	Stderr string

	// Truncated is set when captured output hit Config.MaxOutputBytes.
	Truncated bool

	// Duration is the wall-clock time from spawn to exit.
	Duration time.Duration

	// Backend names the isolation backend that ran the command.
	Backend string

	// Violations lists the denials recorded while the command ran.
	Violations []Violation
}

// Err returns a *ChildProcessError when the command exited non-zero, and
// nil otherwise.
func (r *Result) Err() error {
	if r == nil || r.ExitCode == 0 {
		return nil
	}
	return &ChildProcessError{Command: r.Command, ExitCode: r.ExitCode, Stderr: r.Stderr}
}

// SandboxKilled reports whether the seccomp filter killed the command.
func (r *Result) SandboxKilled() bool {
	return r != nil && r.ExitCode == ExitCodeSandboxKilled
}
