package forward

import (
	"net/http"
	"strconv"

	"github.com/angeloszaimis/idleproxy/internal/exchange"
)

// Response is what gets relayed to the inbound caller.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       exchange.Body
}

// Result pairs the relayed response with the exchange captured from the
// same read.
type Result struct {
	Response Response
	Exchange exchange.Exchange
	TimedOut bool
	Attempts int
}

// WriteTo relays the response to w.
func (r *Result) WriteTo(w http.ResponseWriter) error {
	dst := w.Header()
	for name, values := range r.Response.Header {
		dst[name] = append([]string(nil), values...)
	}
	if r.Response.Body.Len() > 0 || dst.Get("Content-Length") == "" {
		dst.Set("Content-Length", strconv.Itoa(r.Response.Body.Len()))
	}

	w.WriteHeader(r.Response.StatusCode)
	_, err := w.Write(r.Response.Body.Raw)
	return err
}
