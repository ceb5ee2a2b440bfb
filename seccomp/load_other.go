//go:build !linux

package seccomp

// Supported reports whether the kernel was built with seccomp support.
func Supported() bool { return false }

// Load installs p. It always fails off Linux.
func Load(*Program) error { return ErrUnsupported }
