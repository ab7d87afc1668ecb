package backend

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/angeloszaimis/idleproxy/internal/logsink"
)

type Kind string

const (
	KindProcess   Kind = "process"
	KindContainer Kind = "container"
)

var (
	ErrNoCommand   = errors.New("no start command configured")
	ErrNoContainer = errors.New("no container configured")
	ErrClosed      = errors.New("backend handle closed")
)

// Launcher starts one kind of backend.
//
// Launch owns out: it sends output lines to it and closes it once no
// more lines will be produced, including when the launch fails.
type Launcher interface {
	Kind() Kind
	Launch(ctx context.Context, out chan<- logsink.Line) (Instance, error)
}

// Instance is a live backend.
type Instance interface {
	// Stop tears the backend down. Stopping an instance that already
	// exited is not an error.
	Stop(ctx context.Context) error

	// Exited is closed once the instance is gone, whether it was stopped
	// or went away on its own.
	Exited() <-chan struct{}
}

const maxLineSize = 1024 * 1024

// scanLines forwards r line by line. After a scan error the rest of r is
// drained so the producer never blocks on a full pipe.
func scanLines(r io.Reader, stream string, out chan<- logsink.Line) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		text := strings.TrimRight(scanner.Text(), "\r")
		out <- logsink.Line{
			Stream: stream,
			Text:   strings.ToValidUTF8(text, "�"),
			Time:   time.Now(),
		}
	}

	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, r)
	}
}

func notice(out chan<- logsink.Line, text string) {
	out <- logsink.Line{Stream: logsink.StreamSupervisor, Text: text, Time: time.Now()}
}
