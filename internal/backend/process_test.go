package backend_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/idleproxy/internal/backend"
	"github.com/angeloszaimis/idleproxy/internal/logsink"
)

type drained struct {
	mutex sync.Mutex
	lines []logsink.Line
	done  chan struct{}
}

func drain(out <-chan logsink.Line) *drained {
	d := &drained{done: make(chan struct{})}
	go func() {
		defer close(d.done)
		for line := range out {
			d.mutex.Lock()
			d.lines = append(d.lines, line)
			d.mutex.Unlock()
		}
	}()
	return d
}

func (d *drained) texts(stream string) []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	var out []string
	for _, l := range d.lines {
		if l.Stream == stream {
			out = append(out, l.Text)
		}
	}
	return out
}

func processAlive(pid int) bool {
	return !errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

var _ = Describe("ProcessLauncher", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	launch := func(p *backend.ProcessLauncher) (backend.Instance, *drained, error) {
		out := make(chan logsink.Line, 64)
		d := drain(out)
		inst, err := p.Launch(ctx, out)
		return inst, d, err
	}

	It("should report the spawn and stream output in order", func() {
		inst, d, err := launch(&backend.ProcessLauncher{Command: `sh -c 'echo one; echo two; echo three'`})
		Expect(err).NotTo(HaveOccurred())

		Eventually(inst.Exited()).Should(BeClosed())
		Eventually(d.done).Should(BeClosed())

		Expect(d.texts(logsink.StreamSupervisor)).To(Equal([]string{"Starting process..."}))
		Expect(d.texts(logsink.StreamStdout)).To(Equal([]string{"one", "two", "three"}))
	})

	It("should expose the port through PORT", func() {
		inst, d, err := launch(&backend.ProcessLauncher{Command: `sh -c 'echo port=$PORT'`, Port: 4123})
		Expect(err).NotTo(HaveOccurred())

		Eventually(inst.Exited()).Should(BeClosed())
		Eventually(d.done).Should(BeClosed())
		Expect(d.texts(logsink.StreamStdout)).To(Equal([]string{"port=4123"}))
	})

	It("should separate stderr from stdout", func() {
		inst, d, err := launch(&backend.ProcessLauncher{Command: `sh -c 'echo oops 1>&2'`})
		Expect(err).NotTo(HaveOccurred())

		Eventually(inst.Exited()).Should(BeClosed())
		Eventually(d.done).Should(BeClosed())
		Expect(d.texts(logsink.StreamStderr)).To(Equal([]string{"oops"}))
		Expect(d.texts(logsink.StreamStdout)).To(BeEmpty())
	})

	It("should run in the working directory", func() {
		dir, err := filepath.EvalSymlinks(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		inst, d, err := launch(&backend.ProcessLauncher{Command: "pwd", WorkingDir: dir})
		Expect(err).NotTo(HaveOccurred())

		Eventually(inst.Exited()).Should(BeClosed())
		Eventually(d.done).Should(BeClosed())
		Expect(d.texts(logsink.StreamStdout)).To(Equal([]string{dir}))
	})

	It("should reject an empty command", func() {
		_, d, err := launch(&backend.ProcessLauncher{Command: "   "})
		Expect(err).To(MatchError(backend.ErrNoCommand))
		Eventually(d.done).Should(BeClosed())
	})

	It("should fail when the binary does not exist", func() {
		_, d, err := launch(&backend.ProcessLauncher{Command: "/nonexistent/idleproxy-backend"})
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, os.ErrNotExist)).To(BeTrue())
		Eventually(d.done).Should(BeClosed())
	})

	It("should terminate the whole process group on stop", func() {
		inst, d, err := launch(&backend.ProcessLauncher{Command: "sleep 30"})
		Expect(err).NotTo(HaveOccurred())

		pid := backend.InstancePID(inst)
		Expect(pid).To(BeNumerically(">", 0))
		Expect(processAlive(pid)).To(BeTrue())

		Expect(inst.Stop(ctx)).To(Succeed())

		Expect(inst.Exited()).To(BeClosed())
		Eventually(d.done).Should(BeClosed())
		Expect(processAlive(pid)).To(BeFalse())
	})

	It("should escalate to SIGKILL when SIGTERM is ignored", func() {
		inst, d, err := launch(&backend.ProcessLauncher{
			Command:   `sh -c 'trap "" TERM; while true; do sleep 0.05; done'`,
			StopGrace: 100 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())
		pid := backend.InstancePID(inst)

		// Give the shell time to install the trap.
		time.Sleep(100 * time.Millisecond)

		start := time.Now()
		Expect(inst.Stop(ctx)).To(Succeed())
		Expect(time.Since(start)).To(BeNumerically(">=", 100*time.Millisecond))

		Eventually(d.done).Should(BeClosed())
		Expect(processAlive(pid)).To(BeFalse())
	})

	It("should treat stopping an exited process as success", func() {
		inst, _, err := launch(&backend.ProcessLauncher{Command: "true"})
		Expect(err).NotTo(HaveOccurred())

		Eventually(inst.Exited()).Should(BeClosed())
		Expect(inst.Stop(ctx)).To(Succeed())
	})
})
