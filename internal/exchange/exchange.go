package exchange

import (
	"net/http"
	"strings"
	"time"
)

// Request is the captured inbound side of an exchange.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    Body              `json:"body"`
}

// Response is the captured backend side of an exchange.
type Response struct {
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
	Body       Body              `json:"body"`
	Redirected bool              `json:"redirected"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
}

// Exchange is one forwarded request and the response that was relayed for it.
type Exchange struct {
	ID        string        `json:"id"`
	ServerID  string        `json:"server_id"`
	Request   Request       `json:"request"`
	Response  Response      `json:"response"`
	Elapsed   time.Duration `json:"elapsed"`
	Timestamp time.Time     `json:"timestamp"`
}

// ElapsedSeconds reports the elapsed time in seconds with sub-second precision.
func (e Exchange) ElapsedSeconds() float64 {
	return e.Elapsed.Seconds()
}

// DateBucket returns the UTC calendar day the exchange belongs to (YYYY-MM-DD).
func (e Exchange) DateBucket() string {
	return DateBucket(e.Timestamp)
}

// DateBucket formats t as the UTC day used to index records.
func DateBucket(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// FlattenHeader collapses a header into single string values, joining
// repeated fields with ", " and lower-casing names.
func FlattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}
