package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/angeloszaimis/idleproxy/internal/exchange"
)

var (
	ErrNotFound = errors.New("not found")
)

const (
	// MaxLogBytes caps the log text kept per backend.
	MaxLogBytes = 10240

	DefaultListLimit = 10
)

// Side selects one half of a stored exchange.
type Side string

const (
	SideRequest  Side = "request"
	SideResponse Side = "response"
)

// Server is the registration row of one backend.
type Server struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Config        json.RawMessage `json:"config,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastRequestAt time.Time       `json:"last_request_at,omitempty"`
}

// Record is the indexed summary of one exchange.
type Record struct {
	ID        string    `json:"id"`
	ServerID  string    `json:"server_id"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Status    int       `json:"status"`
	Elapsed   float64   `json:"elapsed"`
	Date      string    `json:"date"`
	CreatedAt time.Time `json:"created_at"`
}

// Payload is a body as shown to viewers: decoded text for JSON and text/*,
// parsed fields for forms, and a fetch reference for everything else.
type Payload struct {
	ContentType string              `json:"content_type,omitempty"`
	Size        int                 `json:"size"`
	Text        *string             `json:"text,omitempty"`
	Form        map[string][]string `json:"form,omitempty"`
	Ref         string              `json:"ref,omitempty"`
}

type RequestView struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    Payload           `json:"body"`
}

type ResponseView struct {
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
	Body       Payload           `json:"body"`
	Redirected bool              `json:"redirected"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
}

// Detail is a full exchange as returned to viewers.
type Detail struct {
	Record
	Request  RequestView  `json:"request"`
	Response ResponseView `json:"response"`
}

// Blob is a raw body as it crossed the wire.
type Blob struct {
	ContentType string
	Data        []byte
}

// Query narrows list and stats reads. Zero fields match everything.
type Query struct {
	ServerID string
	Date     string
	Limit    int
}

type Stats struct {
	Requests    int64   `json:"requests"`
	RunningTime float64 `json:"running_time"`
}

// Store persists exchanges, backend rows and backend log text.
type Store interface {
	RegisterServer(ctx context.Context, server Server) error
	Server(ctx context.Context, id string) (*Server, error)
	Servers(ctx context.Context) ([]Server, error)

	SaveExchange(ctx context.Context, ex exchange.Exchange) error
	ListRequests(ctx context.Context, q Query) ([]Record, error)
	GetRequest(ctx context.Context, id string) (*Detail, error)
	Body(ctx context.Context, id string, side Side) (*Blob, error)
	Stats(ctx context.Context, q Query) (Stats, error)

	AppendLog(ctx context.Context, serverID, text string) error
	Logs(ctx context.Context, serverID string) (string, error)

	Close() error
}

// BodyRef is the indirect fetch path for a body that is not inlined.
func BodyRef(id string, side Side) string {
	return "/_api/request?id=" + id + "&body=" + string(side)
}

func payloadFor(id string, side Side, body exchange.Body) Payload {
	p := Payload{ContentType: body.ContentType, Size: body.Len()}

	switch {
	case exchange.IsPlainText(body.ContentType):
		text := body.Text()
		p.Text = &text
	case exchange.IsFormData(body.ContentType) && body.Form != nil:
		p.Form = body.Form
	case body.Len() == 0:
	default:
		p.Ref = BodyRef(id, side)
	}

	return p
}

func recordFor(ex exchange.Exchange) Record {
	return Record{
		ID:        ex.ID,
		ServerID:  ex.ServerID,
		Method:    ex.Request.Method,
		URL:       ex.Request.URL,
		Status:    ex.Response.Status,
		Elapsed:   ex.ElapsedSeconds(),
		Date:      ex.DateBucket(),
		CreatedAt: ex.Timestamp.UTC(),
	}
}

func (q Query) matches(r Record) bool {
	if q.ServerID != "" && r.ServerID != q.ServerID {
		return false
	}
	if q.Date != "" && r.Date != q.Date {
		return false
	}
	return true
}

// trimLog keeps at most the last MaxLogBytes of text, starting at a line
// boundary when one falls inside the kept window.
func trimLog(text string) string {
	if len(text) <= MaxLogBytes {
		return text
	}

	tail := text[len(text)-MaxLogBytes:]
	if text[len(text)-MaxLogBytes-1] == '\n' {
		return tail
	}
	for i := 0; i < len(tail)-1; i++ {
		if tail[i] == '\n' {
			return tail[i+1:]
		}
	}
	// one line longer than the cap: keep whole runes only
	for i := 0; i < len(tail); i++ {
		if utf8.RuneStart(tail[i]) {
			return tail[i:]
		}
	}
	return ""
}
