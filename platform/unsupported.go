package platform

import (
	"context"
)

// unsupportedBackend is returned on operating systems where no sandbox is
// available.
type unsupportedBackend struct {
	goos string
}

func (b *unsupportedBackend) Name() string { return "unsupported-" + b.goos }

func (b *unsupportedBackend) Available() error {
	return &UnavailableError{Backend: b.Name(), Reason: "no sandbox backend for " + b.goos}
}

func (b *unsupportedBackend) CheckDependencies() *DependencyCheck {
	return &DependencyCheck{
		Errors: []string{"unsupported operating system: " + b.goos},
	}
}

func (b *unsupportedBackend) Capabilities() Capabilities { return Capabilities{} }

func (b *unsupportedBackend) ProxyRouting() ProxyRouting { return ProxyRouting{} }

func (b *unsupportedBackend) Prepare(context.Context, *Config) error { return b.Available() }

func (b *unsupportedBackend) Spawn(context.Context, *Command) (Child, error) {
	return nil, b.Available()
}

func (b *unsupportedBackend) Wait(context.Context, Child) (*ExitStatus, error) {
	return nil, b.Available()
}

func (b *unsupportedBackend) Teardown(context.Context) error { return nil }

// NewUnsupported returns a Backend that always reports as unavailable.
func NewUnsupported(goos string) Backend {
	return &unsupportedBackend{goos: goos}
}
