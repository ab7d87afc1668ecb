package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DockerCLI implements ContainerEngine by shelling out to docker or podman.
type DockerCLI struct {
	// Command is the container command to use (docker or podman)
	Command string
}

// NewDockerCLI picks the first container command found in PATH,
// preferring docker.
func NewDockerCLI() (*DockerCLI, error) {
	for _, command := range []string{"docker", "podman"} {
		if _, err := exec.LookPath(command); err == nil {
			return &DockerCLI{Command: command}, nil
		}
	}

	return nil, fmt.Errorf("neither docker nor podman found in PATH")
}

// runCmd executes a docker/podman command
func (d *DockerCLI) runCmd(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s failed: %s: %w", d.Command, args[0], strings.TrimSpace(stderr.String()), err)
	}

	return stdout.String(), nil
}

func (d *DockerCLI) IsRunning(ctx context.Context, id string) (bool, error) {
	output, err := d.runCmd(ctx, "inspect", "-f", "{{.State.Running}}", id)
	if err != nil {
		if isNoSuchContainer(err) {
			return false, fmt.Errorf("%w: %s", ErrNoContainer, id)
		}
		return false, err
	}

	return strings.TrimSpace(output) == "true", nil
}

func (d *DockerCLI) Start(ctx context.Context, id string) error {
	_, err := d.runCmd(ctx, "start", id)
	return err
}

func (d *DockerCLI) Stop(ctx context.Context, id string) error {
	_, err := d.runCmd(ctx, "stop", id)
	return err
}

func (d *DockerCLI) Logs(ctx context.Context, id string, since time.Time, tail int) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, d.Command, "logs",
		"--follow",
		"--since", strconv.FormatInt(since.Unix(), 10),
		"--tail", strconv.Itoa(tail),
		id,
	)

	// Both streams share one writer so lines from stdout and stderr are
	// not written concurrently.
	r, w := io.Pipe()
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("%s logs failed: %w", d.Command, err)
	}

	go func() {
		w.CloseWithError(cmd.Wait())
	}()

	return r, nil
}

func isNoSuchContainer(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") || strings.Contains(msg, "no such object")
}
