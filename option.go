package srt

import (
	"io"
	"time"
)

// Option configures a single Execute or ExecuteArgs call.
type Option func(*callOptions)

// callOptions holds per-call configuration applied via Option functions.
type callOptions struct {
	env        []string
	shell      string
	workingDir string
	timeout    time.Duration
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
}

func mergeCallOptions(opts ...Option) *callOptions {
	co := &callOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(co)
		}
	}
	return co
}

// WithEnv adds environment variables for a single call. Each entry should
// be in "KEY=VALUE" form and overrides the inherited value of the same key.
// Proxy variables set by the sandbox still take precedence.
func WithEnv(env ...string) Option {
	cpy := append([]string(nil), env...)
	return func(o *callOptions) {
		o.env = append(o.env, cpy...)
	}
}

// WithShell overrides the shell used by Execute for a single call.
func WithShell(shell string) Option {
	return func(o *callOptions) {
		o.shell = shell
	}
}

// WithWorkingDir sets the working directory for a single call.
func WithWorkingDir(dir string) Option {
	return func(o *callOptions) {
		o.workingDir = dir
	}
}

// WithTimeout sets a timeout for a single call, overriding Config.Timeout.
// When it expires the command is killed and a *TimeoutError is returned.
func WithTimeout(d time.Duration) Option {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// WithStdin connects r to the command's standard input.
func WithStdin(r io.Reader) Option {
	return func(o *callOptions) {
		o.stdin = r
	}
}

// WithStdout streams standard output to w instead of capturing it.
func WithStdout(w io.Writer) Option {
	return func(o *callOptions) {
		o.stdout = w
	}
}

// WithStderr streams standard error to w instead of capturing it.
func WithStderr(w io.Writer) Option {
	return func(o *callOptions) {
		o.stderr = w
	}
}
