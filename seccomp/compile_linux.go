//go:build linux

package seccomp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"

	libseccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/elastic/go-seccomp-bpf/arch"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// compile builds the program at runtime. go-seccomp-bpf only assembles for
// the native architecture, so arch must equal runtime.GOARCH.
func compile(arch string, v Variant) ([]bpf.RawInstruction, error) {
	if arch != runtime.GOARCH {
		return nil, fmt.Errorf("cannot compile for %s on %s", arch, runtime.GOARCH)
	}

	var names []string
	for _, name := range DangerousSyscalls {
		if _, err := assemblePolicy([]string{name}); err == nil {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, errors.New("no dangerous syscall is known on this architecture")
	}
	body, err := assemblePolicy(names)
	if err != nil {
		return nil, err
	}

	prog, err := archGuard()
	if err != nil {
		return nil, err
	}
	if v == BlockUnixSockets {
		// The policy body reloads everything it inspects, so the prefix
		// may leave the accumulator holding args[0].
		prog = append(prog, socketFamilyCheck(unix.SYS_SOCKET, argLowWordOffset())...)
	}
	prog = append(prog, body...)
	if len(prog) > maxInstructions {
		return nil, fmt.Errorf("compiled program has %d instructions", len(prog))
	}
	return bpf.Assemble(prog)
}

// archGuard kills callers using a foreign syscall ABI and leaves the
// syscall number in the accumulator. Numbers are only meaningful after
// this check.
func archGuard() ([]bpf.Instruction, error) {
	info, err := arch.GetInfo("")
	if err != nil {
		return nil, err
	}
	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: dataArchOffset, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(info.ID), SkipTrue: 1},
		bpf.RetConstant{Val: retKillProcess},
		bpf.LoadAbsolute{Off: dataNrOffset, Size: 4},
	}
	if info.ID == arch.X86_64.ID {
		prog = append(prog,
			bpf.JumpIf{Cond: bpf.JumpLessThan, Val: x32SyscallBit, SkipTrue: 1},
			bpf.RetConstant{Val: retKillProcess},
		)
	}
	return prog, nil
}

func assemblePolicy(names []string) ([]bpf.Instruction, error) {
	policy := libseccomp.Policy{
		DefaultAction: libseccomp.ActionAllow,
		Syscalls: []libseccomp.SyscallGroup{
			{
				Action: libseccomp.ActionErrno,
				Names:  names,
			},
		},
	}
	return policy.Assemble()
}

// argLowWordOffset addresses the low 32 bits of args[0] in seccomp_data.
func argLowWordOffset() uint32 {
	if binary.NativeEndian.Uint16([]byte{0, 1}) == 1 {
		return dataArgsOffset + 4
	}
	return dataArgsOffset
}
