package providers

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// dockerSandbox implements Sandbox against the Docker Engine API, running
// every operation inside a single long-lived container.
type dockerSandbox struct {
	client      *dockerclient.Client
	containerID string
}

// NewDockerSandbox returns a Sandbox bound to an existing container.
// Uses the DOCKER_HOST env var or the default socket path.
func NewDockerSandbox(containerID string) (Sandbox, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	return &dockerSandbox{client: cli, containerID: containerID}, nil
}

// Exec runs a shell command in the container and captures both streams.
// A non-zero exit code is reported in the result, not as an error.
func (d *dockerSandbox) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execID, err := d.client.ContainerExecCreate(ctx, d.containerID, types.ExecConfig{
		Cmd:          []string{"/bin/sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, d.wrap("sandbox: create exec", err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, d.wrap("sandbox: attach exec", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return nil, d.wrap("sandbox: read exec output", err)
	}

	inspect, err := d.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, d.wrap("sandbox: inspect exec", err)
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// WriteFile copies content to an absolute path inside the container.
func (d *dockerSandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	dir := filepath.Dir(path)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(path),
		Mode: 0o644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("sandbox: build archive: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("sandbox: build archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("sandbox: build archive: %w", err)
	}

	err := d.client.CopyToContainer(ctx, d.containerID, dir, &buf, container.CopyToContainerOptions{})
	if err != nil {
		return d.wrap("sandbox: copy to container", err)
	}
	return nil
}

// ReadFile returns the content of an absolute path inside the container.
func (d *dockerSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	rc, _, err := d.client.CopyFromContainer(ctx, d.containerID, path)
	if err != nil {
		return nil, d.wrap("sandbox: copy from container", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	base := filepath.Base(path)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("sandbox: read archive: %w", err)
		}
		if filepath.Base(hdr.Name) != base || hdr.Typeflag == tar.TypeDir {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("sandbox: read archive: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("sandbox: %s not found in archive", path)
}

// ExposePort resolves the public address of a container port that was
// published when the container was created.
func (d *dockerSandbox) ExposePort(ctx context.Context, port int) (string, error) {
	inspect, err := d.client.ContainerInspect(ctx, d.containerID)
	if err != nil {
		return "", d.wrap("sandbox: inspect container", err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("sandbox: container has no network settings")
	}

	key := nat.Port(fmt.Sprintf("%d/tcp", port))
	bindings, ok := inspect.NetworkSettings.Ports[key]
	if !ok || len(bindings) == 0 {
		return "", fmt.Errorf("sandbox: port %d is not published", port)
	}

	host := bindings[0].HostIP
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%s", host, bindings[0].HostPort), nil
}

// wrap classifies daemon connectivity failures as a lost sandbox; everything
// else stays a plain provider error.
func (d *dockerSandbox) wrap(op string, err error) error {
	if dockerclient.IsErrConnectionFailed(err) || isNoSuchContainer(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrSandboxLost, err)
	}
	return &Error{Op: op, Err: err}
}

func isNoSuchContainer(err error) bool {
	return dockerclient.IsErrNotFound(err) && strings.Contains(err.Error(), "container")
}
