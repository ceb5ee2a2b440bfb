package seccomp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/net/bpf"
)

// Variant selects which rules a filter enforces.
type Variant int

const (
	// BlockUnixSockets refuses socket(AF_UNIX, ...) with EPERM in addition
	// to the dangerous syscall set.
	BlockUnixSockets Variant = iota

	// AllowUnixSockets refuses only the dangerous syscall set.
	AllowUnixSockets
)

// String returns the variant name, which is also the pre-built file stem.
func (v Variant) String() string {
	switch v {
	case BlockUnixSockets:
		return "unix-block"
	case AllowUnixSockets:
		return "unix-allow"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// FileName is the pre-built filter file name for the variant.
func (v Variant) FileName() string {
	return v.String() + ".bpf"
}

// Source records where a Program came from.
type Source string

const (
	SourceFile     Source = "file"
	SourceBuiltin  Source = "builtin"
	SourceCompiled Source = "compiled"
)

// maxInstructions is BPF_MAXINSNS.
const maxInstructions = 4096

// instructionSize is sizeof(struct sock_filter).
const instructionSize = 8

// Program is a classic BPF seccomp program for one architecture.
type Program struct {
	Arch         string
	Variant      Variant
	Source       Source
	Path         string // set when Source is SourceFile
	Instructions []bpf.RawInstruction
}

// Bytes returns the program in the pre-built file format.
func (p *Program) Bytes() []byte {
	return Encode(p.Instructions)
}

// WriteFile stores the program at path with owner-only permissions.
func (p *Program) WriteFile(path string) error {
	if err := os.WriteFile(path, p.Bytes(), 0o600); err != nil {
		return fmt.Errorf("seccomp: write program: %w", err)
	}
	return nil
}

// ReadFile reads a program file written by WriteFile or shipped pre-built.
func ReadFile(path string) ([]bpf.RawInstruction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return raw, nil
}

// Encode serializes instructions as a little-endian struct sock_filter
// array.
func Encode(raw []bpf.RawInstruction) []byte {
	buf := make([]byte, 0, len(raw)*instructionSize)
	for _, ins := range raw {
		buf = binary.LittleEndian.AppendUint16(buf, ins.Op)
		buf = append(buf, ins.Jt, ins.Jf)
		buf = binary.LittleEndian.AppendUint32(buf, ins.K)
	}
	return buf
}

var errEmptyProgram = errors.New("seccomp: empty program")

// Decode parses the output of Encode. The program must be non-empty, fit
// the kernel limit and decode to known instructions.
func Decode(data []byte) ([]bpf.RawInstruction, error) {
	if len(data) == 0 {
		return nil, errEmptyProgram
	}
	if len(data)%instructionSize != 0 {
		return nil, fmt.Errorf("seccomp: program size %d is not a multiple of %d", len(data), instructionSize)
	}
	n := len(data) / instructionSize
	if n > maxInstructions {
		return nil, fmt.Errorf("seccomp: program has %d instructions, limit is %d", n, maxInstructions)
	}
	raw := make([]bpf.RawInstruction, n)
	for i := range raw {
		b := data[i*instructionSize:]
		raw[i] = bpf.RawInstruction{
			Op: binary.LittleEndian.Uint16(b[0:2]),
			Jt: b[2],
			Jf: b[3],
			K:  binary.LittleEndian.Uint32(b[4:8]),
		}
	}
	if _, ok := bpf.Disassemble(raw); !ok {
		return nil, errors.New("seccomp: program contains unknown instructions")
	}
	return raw, nil
}
