package container

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// engine is the subset of the Docker Engine API the backend uses. The
// production implementation wraps *client.Client; tests use a fake.
type engine interface {
	Ping(ctx context.Context) error
	ImageExists(ctx context.Context, ref string) (bool, error)
	ImagePull(ctx context.Context, ref string) error
	ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error)
	ContainerStart(ctx context.Context, id string) error
	ContainerStop(ctx context.Context, id string) error
	ContainerRemove(ctx context.Context, id string) error
	ContainersByLabel(ctx context.Context, label string) ([]string, error)
	NetworkGateway(ctx context.Context, name string) (string, error)
	ExecCreate(ctx context.Context, id string, opts container.ExecOptions) (string, error)
	ExecAttach(ctx context.Context, execID string, tty bool) (*execStream, error)
	ExecInspect(ctx context.Context, execID string) (execState, error)
	Close() error
}

// execStream is an attached exec session.
type execStream struct {
	// Output carries stdout and stderr, multiplexed unless the exec has a
	// TTY.
	Output io.Reader

	// Input feeds the process's stdin.
	Input io.Writer

	// CloseWrite signals EOF on stdin.
	CloseWrite func() error

	// Close releases the connection.
	Close func()
}

// execState is the result of inspecting an exec.
type execState struct {
	Running  bool
	ExitCode int
}

// newEngineFn creates the engine. Replaced in tests.
var newEngineFn = newDockerEngine

// dockerEngine implements engine on the official client.
type dockerEngine struct {
	cli *client.Client
}

// newDockerEngine connects using DOCKER_HOST and friends, negotiating the
// API version with the daemon.
func newDockerEngine() (engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &dockerEngine{cli: cli}, nil
}

func (e *dockerEngine) Ping(ctx context.Context) error {
	_, err := e.cli.Ping(ctx)
	return err
}

func (e *dockerEngine) ImageExists(ctx context.Context, ref string) (bool, error) {
	images, err := e.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, err
	}
	return len(images) > 0, nil
}

func (e *dockerEngine) ImagePull(ctx context.Context, ref string) error {
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull only completes once the progress stream is consumed.
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (e *dockerEngine) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	resp, err := e.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *dockerEngine) ContainerStart(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *dockerEngine) ContainerStop(ctx context.Context, id string) error {
	return ignoreNotFound(e.cli.ContainerStop(ctx, id, container.StopOptions{}))
}

func (e *dockerEngine) ContainerRemove(ctx context.Context, id string) error {
	return ignoreNotFound(e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}))
}

func (e *dockerEngine) ContainersByLabel(ctx context.Context, label string) ([]string, error) {
	list, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// NetworkGateway returns the first IPv4 gateway of the named network.
func (e *dockerEngine) NetworkGateway(ctx context.Context, name string) (string, error) {
	nw, err := e.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		return "", err
	}
	for _, c := range nw.IPAM.Config {
		if ip, err := netip.ParseAddr(c.Gateway); err == nil && ip.Is4() {
			return ip.String(), nil
		}
	}
	return "", fmt.Errorf("network %s has no IPv4 gateway", name)
}

func (e *dockerEngine) ExecCreate(ctx context.Context, id string, opts container.ExecOptions) (string, error) {
	resp, err := e.cli.ContainerExecCreate(ctx, id, opts)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *dockerEngine) ExecAttach(ctx context.Context, execID string, tty bool) (*execStream, error) {
	resp, err := e.cli.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{Tty: tty})
	if err != nil {
		return nil, err
	}
	return newExecStream(resp.Conn, resp.Reader, resp.CloseWrite, resp.Close), nil
}

func newExecStream(conn net.Conn, r *bufio.Reader, closeWrite func() error, closeFn func()) *execStream {
	return &execStream{Output: r, Input: conn, CloseWrite: closeWrite, Close: closeFn}
}

func (e *dockerEngine) ExecInspect(ctx context.Context, execID string) (execState, error) {
	resp, err := e.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return execState{}, err
	}
	return execState{Running: resp.Running, ExitCode: resp.ExitCode}, nil
}

func (e *dockerEngine) Close() error {
	return e.cli.Close()
}

// ignoreNotFound treats a container that is already gone as removed.
func ignoreNotFound(err error) error {
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// isNotFound reports whether err means the object no longer exists.
func isNotFound(err error) bool {
	return err != nil && errdefs.IsNotFound(err)
}
