//go:build linux

package srt

import (
	"github.com/sandboxrt/srt/platform"
	"github.com/sandboxrt/srt/platform/linux"
)

func init() {
	detectPlatformFn = func() platform.Backend {
		return linux.New()
	}
	maybeSandboxInitFn = linux.MaybeSandboxInit
}
