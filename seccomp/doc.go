// Package seccomp produces and installs the BPF syscall filter the Linux
// backend applies inside the sandbox.
//
// A Provider looks for a program in three places, in order: a pre-built
// file (<dir>/<arch>/unix-block.bpf), an in-binary table for amd64 and
// arm64, and a filter compiled at runtime with go-seccomp-bpf. The
// BlockUnixSockets variant refuses socket(AF_UNIX) so the sandboxed
// process cannot reach host services over Unix sockets.
package seccomp
