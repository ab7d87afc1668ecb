package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/angeloszaimis/idleproxy/internal/logsink"
)

const (
	defaultStopGrace = 5 * time.Second
	pipeWaitDelay    = 2 * time.Second
)

// ProcessLauncher spawns the backend as a child process in its own
// process group, with PORT set to the port it must bind.
type ProcessLauncher struct {
	WorkingDir string
	Command    string
	Port       int
	Env        []string
	StopGrace  time.Duration
}

func (p *ProcessLauncher) Kind() Kind {
	return KindProcess
}

func (p *ProcessLauncher) Launch(ctx context.Context, out chan<- logsink.Line) (Instance, error) {
	args, err := shellquote.Split(p.Command)
	if err != nil {
		close(out)
		return nil, fmt.Errorf("parse start command: %w", err)
	}
	if len(args) == 0 {
		close(out)
		return nil, ErrNoCommand
	}
	if err := ctx.Err(); err != nil {
		close(out)
		return nil, err
	}

	// The child outlives the request that triggered it, so it is not
	// bound to ctx.
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = p.WorkingDir
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Env = append(cmd.Env, "PORT="+strconv.Itoa(p.Port))
	cmd.WaitDelay = pipeWaitDelay
	configureProcess(cmd)

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	notice(out, "Starting process...")

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		close(out)
		return nil, fmt.Errorf("spawn %q: %w", args[0], err)
	}

	inst := &processInstance{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		grace:  p.StopGrace,
		exited: make(chan struct{}),
	}
	if inst.grace <= 0 {
		inst.grace = defaultStopGrace
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanLines(stdoutR, logsink.StreamStdout, out)
	}()
	go func() {
		defer readers.Done()
		scanLines(stderrR, logsink.StreamStderr, out)
	}()
	go func() {
		readers.Wait()
		close(out)
	}()

	go func() {
		_ = cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		close(inst.exited)
	}()

	return inst, nil
}

type processInstance struct {
	cmd    *exec.Cmd
	pid    int
	grace  time.Duration
	exited chan struct{}
}

// PID returns the process id of the group leader.
func (p *processInstance) PID() int {
	return p.pid
}

func (p *processInstance) Exited() <-chan struct{} {
	return p.exited
}

// Stop sends SIGTERM to the process group and escalates to SIGKILL when
// the group is still alive after the grace period or ctx ends.
func (p *processInstance) Stop(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := signalGroup(p.pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminate pid %d: %w", p.pid, err)
	}

	grace := time.NewTimer(p.grace)
	defer grace.Stop()

	select {
	case <-p.exited:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	if err := signalGroup(p.pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill pid %d: %w", p.pid, err)
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(pipeWaitDelay):
		return fmt.Errorf("pid %d did not exit after SIGKILL", p.pid)
	}
}
