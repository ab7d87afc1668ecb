// Package logsink carries backend output lines to wherever the
// configuration sends them. The supervisor only ever calls Emit.
package logsink

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	ModeNone    = "none"
	ModeConsole = "console"
)

const (
	StreamStdout     = "stdout"
	StreamStderr     = "stderr"
	StreamContainer  = "container"
	StreamSupervisor = "supervisor"
)

// Line is one decoded line of backend output.
type Line struct {
	ServerID string    `json:"server_id"`
	Stream   string    `json:"stream"`
	Text     string    `json:"text"`
	Time     time.Time `json:"time"`
}

// Sink receives backend output lines in the order they were produced.
type Sink interface {
	Emit(line Line)
}

// NoOp discards every line.
type NoOp struct{}

func (NoOp) Emit(Line) {}

// Console writes lines prefixed with the backend identity.
type Console struct {
	mutex sync.Mutex
	w     io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Emit(line Line) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	fmt.Fprintf(c.w, "[%s] %s\n", line.ServerID, line.Text)
}

// Callback adapts a function to a Sink.
type Callback func(Line)

func (f Callback) Emit(line Line) {
	f(line)
}

// Multi fans a line out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(line Line) {
	for _, s := range m {
		s.Emit(line)
	}
}

// Enabled reports whether lines sent to s go anywhere.
func Enabled(s Sink) bool {
	switch v := s.(type) {
	case nil:
		return false
	case NoOp, *NoOp:
		return false
	case Multi:
		for _, inner := range v {
			if Enabled(inner) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// FromMode builds the sink for a configured logger mode. Console output
// goes to w; extra sinks (e.g. persistence) only receive lines when the
// mode is not "none".
func FromMode(mode string, w io.Writer, extra ...Sink) Sink {
	if mode == "" || mode == ModeNone {
		return NoOp{}
	}

	sinks := Multi{NewConsole(w)}
	sinks = append(sinks, extra...)
	return sinks
}
