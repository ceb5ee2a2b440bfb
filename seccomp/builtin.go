package seccomp

import (
	"fmt"
	"slices"
	"sort"

	"golang.org/x/net/bpf"
)

// Return values and offsets from linux/seccomp.h. They are spelled out so
// the tables can be assembled on any host.
const (
	retKillProcess = 0x80000000
	retErrno       = 0x00050000
	retAllow       = 0x7fff0000

	errnoEPERM = 1
	afUnix     = 1

	dataNrOffset   = 0
	dataArchOffset = 4
	dataArgsOffset = 16

	// x32SyscallBit marks x32 ABI syscalls on amd64, which share the
	// x86_64 audit arch.
	x32SyscallBit = 0x40000000

	auditArchX86_64  = 0xc000003e
	auditArchAarch64 = 0xc00000b7
)

// archTable holds the syscall numbers one architecture needs.
type archTable struct {
	auditArch uint32
	x32       bool
	socket    uint32
	blocked   map[string]uint32
}

// builtinTables covers the architectures that ship without a pre-built
// file in most installs.
var builtinTables = map[string]archTable{
	"amd64": {
		auditArch: auditArchX86_64,
		x32:       true,
		socket:    41,
		blocked: map[string]uint32{
			"ptrace":          101,
			"mknod":           133,
			"pivot_root":      155,
			"mount":           165,
			"umount2":         166,
			"swapon":          167,
			"swapoff":         168,
			"reboot":          169,
			"init_module":     175,
			"delete_module":   176,
			"kexec_load":      246,
			"mknodat":         259,
			"finit_module":    313,
			"kexec_file_load": 320,
			"bpf":             321,
		},
	},
	"arm64": {
		auditArch: auditArchAarch64,
		socket:    198,
		blocked: map[string]uint32{
			"mknodat":         33,
			"umount2":         39,
			"mount":           40,
			"pivot_root":      41,
			"kexec_load":      104,
			"init_module":     105,
			"delete_module":   106,
			"ptrace":          117,
			"reboot":          142,
			"swapon":          224,
			"swapoff":         225,
			"finit_module":    273,
			"bpf":             280,
			"kexec_file_load": 294,
		},
	},
}

// DangerousSyscalls lists the syscalls every variant refuses with EPERM.
// Names missing on an architecture (mknod on arm64) are skipped.
var DangerousSyscalls = []string{
	"ptrace", "mount", "umount2", "pivot_root", "reboot",
	"swapon", "swapoff", "mknod", "mknodat",
	"init_module", "finit_module", "delete_module",
	"kexec_load", "kexec_file_load", "bpf",
}

// BuiltinArchs returns the architectures with an in-binary table.
func BuiltinArchs() []string {
	archs := make([]string, 0, len(builtinTables))
	for a := range builtinTables {
		archs = append(archs, a)
	}
	sort.Strings(archs)
	return archs
}

// builtin assembles the program for arch from its in-binary table.
func builtin(arch string, v Variant) ([]bpf.RawInstruction, error) {
	t, ok := builtinTables[arch]
	if !ok {
		return nil, fmt.Errorf("no built-in table for %s", arch)
	}

	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: dataArchOffset, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: t.auditArch, SkipTrue: 1},
		bpf.RetConstant{Val: retKillProcess},
		bpf.LoadAbsolute{Off: dataNrOffset, Size: 4},
	}
	if t.x32 {
		prog = append(prog,
			bpf.JumpIf{Cond: bpf.JumpLessThan, Val: x32SyscallBit, SkipTrue: 1},
			bpf.RetConstant{Val: retKillProcess},
		)
	}

	nrs := make([]uint32, 0, len(t.blocked))
	for _, name := range DangerousSyscalls {
		if nr, ok := t.blocked[name]; ok {
			nrs = append(nrs, nr)
		}
	}
	slices.Sort(nrs)
	for _, nr := range nrs {
		prog = append(prog,
			bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: nr, SkipTrue: 1},
			bpf.RetConstant{Val: retErrno | errnoEPERM},
		)
	}

	if v == BlockUnixSockets {
		prog = append(prog, socketFamilyCheck(t.socket, dataArgsOffset)...)
	}
	prog = append(prog, bpf.RetConstant{Val: retAllow})

	return bpf.Assemble(prog)
}

// socketFamilyCheck refuses socket(AF_UNIX, ...) and falls through for
// everything else. The accumulator must hold the syscall number. argOff
// addresses the low 32 bits of args[0].
func socketFamilyCheck(socketNr, argOff uint32) []bpf.Instruction {
	return []bpf.Instruction{
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: socketNr, SkipTrue: 3},
		bpf.LoadAbsolute{Off: argOff, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: afUnix, SkipTrue: 1},
		bpf.RetConstant{Val: retErrno | errnoEPERM},
	}
}
