//go:build !linux

package seccomp

import "golang.org/x/net/bpf"

func compile(string, Variant) ([]bpf.RawInstruction, error) {
	return nil, ErrUnsupported
}
