package platform

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable indicates a backend cannot run on this host.
	ErrUnavailable = errors.New("srt: sandbox backend unavailable")

	// ErrDockerAPI indicates the container engine rejected a request.
	ErrDockerAPI = errors.New("srt: docker api error")
)

// UnavailableError reports why a backend cannot be used.
type UnavailableError struct {
	Backend string
	Reason  string
	Err     error
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", ErrUnavailable.Error(), e.Backend, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnavailable}
	}
	return []error{ErrUnavailable, e.Err}
}

// DockerAPIError wraps a failed container engine call.
type DockerAPIError struct {
	// Op names the failed operation, e.g. "create container".
	Op  string
	Err error
}

func (e *DockerAPIError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrDockerAPI.Error(), e.Op, e.Err)
}

func (e *DockerAPIError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDockerAPI}
	}
	return []error{ErrDockerAPI, e.Err}
}
