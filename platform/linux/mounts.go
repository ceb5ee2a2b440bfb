//go:build linux

package linux

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sandboxrt/srt/internal/pathutil"
)

// statFn is overridden in tests so mount plans can be built for paths that
// do not exist on the test host.
var statFn = os.Stat

// mountPlan holds everything that shapes the bwrap argument list.
type mountPlan struct {
	AllowWrite       []string
	DenyWrite        []string
	DenyRead         []string
	AllowUnixSockets []string

	// PrivateDir holds the bridge sockets and the seccomp program.
	PrivateDir string

	// Executable is the srt binary that runs the in-sandbox init.
	Executable string

	// WorkDir becomes --chdir when set.
	WorkDir string

	// Weaker replaces the fresh /proc mount with a read-only bind of the
	// host's, for hosts where mounting procfs is not permitted.
	Weaker bool
}

// args returns the bwrap arguments up to, but not including, "--".
// Glob entries are expanded to the paths that exist now. Missing paths are
// skipped, since bwrap fails on a bind whose source does not exist, except
// denied-write paths inside a writable root, which are masked with
// /dev/null so the sandbox cannot create them.
func (p *mountPlan) args() []string {
	args := []string{
		"--ro-bind", "/", "/",
		"--dev", "/dev",
	}
	if p.Weaker {
		args = append(args, "--ro-bind", "/proc", "/proc")
	} else {
		args = append(args, "--proc", "/proc")
	}
	args = append(args, "--tmpfs", "/tmp")

	if len(p.AllowUnixSockets) > 0 {
		args = append(args, "--tmpfs", "/run")
		for _, sock := range pathutil.ExpandAll(p.AllowUnixSockets, nil) {
			if p.exists(sock) {
				args = append(args, "--bind", sock, sock)
			}
		}
	}

	var writable []string
	for _, path := range pathutil.ExpandAll(p.AllowWrite, nil) {
		if p.exists(path) {
			args = append(args, "--bind", path, path)
			writable = append(writable, path)
		}
	}
	for _, path := range pathutil.ExpandAll(p.DenyWrite, nil) {
		switch {
		case p.exists(path):
			args = append(args, "--ro-bind", path, path)
		case underAny(path, writable):
			// bwrap creates the mount point, so the name exists on the host
			// as an empty file and stays unwritable inside the sandbox.
			args = append(args, "--ro-bind", "/dev/null", path)
		}
	}
	for _, path := range pathutil.ExpandAll(p.DenyRead, nil) {
		fi, err := statFn(path)
		if err != nil {
			continue
		}
		if fi.IsDir() {
			args = append(args, "--tmpfs", path, "--remount-ro", path)
		} else {
			args = append(args, "--ro-bind", "/dev/null", path)
		}
	}

	if p.PrivateDir != "" {
		args = append(args, "--ro-bind", p.PrivateDir, p.PrivateDir)
	}
	if p.Executable != "" {
		args = append(args, "--ro-bind", p.Executable, p.Executable)
	}

	args = append(args,
		"--unshare-net",
		"--unshare-pid",
		"--unshare-ipc",
		"--die-with-parent",
		"--new-session",
	)
	if p.WorkDir != "" {
		args = append(args, "--chdir", filepath.Clean(p.WorkDir))
	}
	return args
}

func (p *mountPlan) exists(path string) bool {
	_, err := statFn(path)
	return err == nil
}

// underAny reports whether path lies strictly inside one of roots.
func underAny(path string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, "../") {
			return true
		}
	}
	return false
}
