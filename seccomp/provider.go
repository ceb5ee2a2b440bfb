package seccomp

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/net/bpf"
)

// DirEnv overrides the directory searched for pre-built filters.
const DirEnv = "SRT_SECCOMP_DIR"

// Function variables so tests can steer each source.
var (
	executableFn = os.Executable
	builtinFn    = builtin
	compileFn    = compile
)

// Provider finds a seccomp program. It tries a pre-built file, then the
// in-binary table for the architecture, then compiles one at runtime.
type Provider struct {
	// Dir holds <arch-dir>/<variant>.bpf files. When empty, $SRT_SECCOMP_DIR
	// and then vendor/seccomp next to the executable and in the working
	// directory are searched.
	Dir string

	// Arch is a GOARCH value. Defaults to runtime.GOARCH.
	Arch string

	Logger *slog.Logger
}

// ArchDir maps a GOARCH value to the directory name used for pre-built
// files.
func ArchDir(goarch string) string {
	switch goarch {
	case "amd64":
		return "x64"
	default:
		return goarch
	}
}

// Filter returns the program for v, or a *CompileError describing why
// every source failed.
func (p *Provider) Filter(v Variant) (*Program, error) {
	arch := p.Arch
	if arch == "" {
		arch = runtime.GOARCH
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var attempts []error

	raw, path, err := p.fromFile(arch, v)
	if err == nil {
		logger.Debug("seccomp: using pre-built filter", "path", path)
		return &Program{Arch: arch, Variant: v, Source: SourceFile, Path: path, Instructions: raw}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("seccomp: ignoring unusable pre-built filter", "error", err)
	}
	attempts = append(attempts, fmt.Errorf("file: %w", err))

	raw, err = builtinFn(arch, v)
	if err == nil {
		logger.Debug("seccomp: using built-in filter", "arch", arch)
		return &Program{Arch: arch, Variant: v, Source: SourceBuiltin, Instructions: raw}, nil
	}
	attempts = append(attempts, fmt.Errorf("builtin: %w", err))

	raw, err = compileFn(arch, v)
	if err == nil {
		logger.Debug("seccomp: compiled filter at runtime", "arch", arch)
		return &Program{Arch: arch, Variant: v, Source: SourceCompiled, Instructions: raw}, nil
	}
	attempts = append(attempts, fmt.Errorf("compile: %w", err))

	return nil, &CompileError{Arch: arch, Variant: v, Attempts: attempts}
}

// fromFile returns the first pre-built program found in the search dirs.
func (p *Provider) fromFile(arch string, v Variant) ([]bpf.RawInstruction, string, error) {
	dirs := p.searchDirs()
	for _, dir := range dirs {
		path := filepath.Join(dir, ArchDir(arch), v.FileName())
		raw, err := ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, path, err
		}
		return raw, path, nil
	}
	return nil, "", fmt.Errorf("%s/%s not found in %v: %w", ArchDir(arch), v.FileName(), dirs, fs.ErrNotExist)
}

func (p *Provider) searchDirs() []string {
	if p.Dir != "" {
		return []string{p.Dir}
	}
	if d := os.Getenv(DirEnv); d != "" {
		return []string{d}
	}
	var dirs []string
	if exe, err := executableFn(); err == nil {
		dirs = append(dirs, filepath.Join(filepath.Dir(exe), "vendor", "seccomp"))
	}
	return append(dirs, filepath.Join("vendor", "seccomp"))
}
