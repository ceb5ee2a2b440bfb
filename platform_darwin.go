//go:build darwin

package srt

import (
	"github.com/sandboxrt/srt/platform"
	"github.com/sandboxrt/srt/platform/darwin"
)

func init() {
	detectPlatformFn = func() platform.Backend {
		return darwin.New()
	}
}
