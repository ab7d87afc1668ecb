package backend

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/angeloszaimis/idleproxy/internal/logsink"
)

const defaultLogTail = 500

// ContainerEngine is the part of a container runtime the container
// backend relies on.
type ContainerEngine interface {
	IsRunning(ctx context.Context, id string) (bool, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	// Logs follows the container's output from since until ctx ends or
	// the container stops.
	Logs(ctx context.Context, id string, since time.Time, tail int) (io.ReadCloser, error)
}

// ContainerLauncher reuses an existing container: it is started only when
// inspection shows it is not running, then its log stream is followed.
type ContainerLauncher struct {
	Engine      ContainerEngine
	ContainerID string
	// Follow attaches to the log stream; the stream ending marks the
	// instance as exited.
	Follow bool
}

func (c *ContainerLauncher) Kind() Kind {
	return KindContainer
}

func (c *ContainerLauncher) Launch(ctx context.Context, out chan<- logsink.Line) (Instance, error) {
	if c.Engine == nil || c.ContainerID == "" {
		close(out)
		return nil, ErrNoContainer
	}

	since := time.Now()

	running, err := c.Engine.IsRunning(ctx, c.ContainerID)
	if err != nil {
		close(out)
		return nil, fmt.Errorf("inspect container %s: %w", c.ContainerID, err)
	}

	if !running {
		notice(out, fmt.Sprintf("Starting container %s...", c.ContainerID))
		if err := c.Engine.Start(ctx, c.ContainerID); err != nil {
			close(out)
			return nil, fmt.Errorf("start container %s: %w", c.ContainerID, err)
		}
	}

	followCtx, cancel := context.WithCancel(context.Background())
	inst := &containerInstance{
		engine: c.Engine,
		id:     c.ContainerID,
		cancel: cancel,
		out:    out,
		exited: make(chan struct{}),
	}

	if !c.Follow {
		inst.closeOutput()
		return inst, nil
	}

	logs, err := c.Engine.Logs(followCtx, c.ContainerID, since, defaultLogTail)
	if err != nil {
		// The container is up; it just will not report output.
		notice(out, fmt.Sprintf("cannot follow container logs: %v", err))
		inst.closeOutput()
		return inst, nil
	}

	go func() {
		scanLines(logs, logsink.StreamContainer, out)
		logs.Close()
		inst.closeOutput()
		inst.markExited()
	}()

	return inst, nil
}

type containerInstance struct {
	engine ContainerEngine
	id     string
	cancel context.CancelFunc

	out        chan<- logsink.Line
	outputOnce sync.Once

	exited     chan struct{}
	exitedOnce sync.Once
}

func (c *containerInstance) Exited() <-chan struct{} {
	return c.exited
}

func (c *containerInstance) Stop(ctx context.Context) error {
	defer c.markExited()
	defer c.cancel()

	if err := c.engine.Stop(ctx, c.id); err != nil {
		return fmt.Errorf("stop container %s: %w", c.id, err)
	}
	return nil
}

func (c *containerInstance) closeOutput() {
	c.outputOnce.Do(func() { close(c.out) })
}

func (c *containerInstance) markExited() {
	c.exitedOnce.Do(func() { close(c.exited) })
}
