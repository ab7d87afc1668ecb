package forward

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/idleproxy/internal/exchange"
)

const (
	DefaultBackoff = 10 * time.Millisecond
	DefaultTimeout = 10 * time.Second

	timeoutBody = "Request Timeout!"
)

// Engine relays one inbound request to a backend address, retrying while
// the backend refuses connections.
type Engine struct {
	client  *http.Client
	backoff time.Duration
	logger  *slog.Logger
}

type Option func(*Engine)

// WithBackoff sets the wait between two failed connection attempts.
func WithBackoff(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.backoff = d
		}
	}
}

// WithTransport replaces the round tripper used for backend calls.
func WithTransport(rt http.RoundTripper) Option {
	return func(e *Engine) {
		e.client.Transport = rt
	}
}

func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
		// Bodies are relayed as the backend encoded them.
		DisableCompression: true,
	}

	e := &Engine{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		backoff: DefaultBackoff,
		logger:  logger,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Forward sends r to http://address, retrying transport failures until
// timeout elapses. Any HTTP response ends the loop whatever its status.
// When no response arrives in time the result is a synthesized 408. The
// only error returned is an unreadable inbound body.
func (e *Engine) Forward(ctx context.Context, r *http.Request, address string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	reqBody, err := exchange.ReadBody(r.Header.Get("Content-Type"), r.Body)
	if err != nil {
		return nil, fmt.Errorf("inbound body: %w", err)
	}

	origin := inboundOrigin(r)
	target := "http://" + address + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	start := time.Now()
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := &Result{}
	resp, err := e.attempt(deadline, r, target, reqBody.Raw, result)

	if err == nil {
		result.Response, err = readResponse(resp)
		if err != nil {
			e.logger.Warn("Failed to read backend response",
				slog.String("target", target),
				slog.String("error", err.Error()))
		}
	}

	if err != nil {
		result.TimedOut = true
		result.Response = timeoutResponse()
	}

	redirected := false
	if !result.TimedOut {
		redirected = rewriteRedirect(&result.Response, address, origin)
	}

	result.Exchange = exchange.Exchange{
		ID: newID(),
		Request: exchange.Request{
			Method:  r.Method,
			URL:     origin.String() + r.URL.RequestURI(),
			Headers: exchange.FlattenHeader(r.Header),
			Body:    reqBody,
		},
		Response: exchange.Response{
			URL:        target,
			Headers:    exchange.FlattenHeader(result.Response.Header),
			Body:       result.Response.Body,
			Redirected: redirected,
			Status:     result.Response.StatusCode,
			StatusText: http.StatusText(result.Response.StatusCode),
		},
		Elapsed:   time.Since(start),
		Timestamp: start,
	}

	return result, nil
}

// attempt loops until the backend answers or ctx ends. A cancelled ctx
// only aborts the attempt in flight; the caller turns it into a timeout.
func (e *Engine) attempt(ctx context.Context, r *http.Request, target string, body []byte, result *Result) (*http.Response, error) {
	var wait *time.Timer

	for {
		result.Attempts++

		req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build outbound request: %w", err)
		}
		req.Header = r.Header.Clone()
		req.ContentLength = int64(len(body))
		if len(body) == 0 {
			req.Body = http.NoBody
		}

		resp, err := e.client.Do(req)
		if err == nil {
			return resp, nil
		}

		if ctx.Err() != nil {
			e.logger.Warn("Backend did not answer in time",
				slog.String("target", target),
				slog.Int("attempts", result.Attempts),
				slog.String("error", err.Error()))
			return nil, ctx.Err()
		}

		e.logger.Debug("Backend not reachable yet, retrying",
			slog.String("target", target),
			slog.Int("attempt", result.Attempts),
			slog.String("error", err.Error()))

		if wait == nil {
			wait = time.NewTimer(e.backoff)
			defer wait.Stop()
		} else {
			wait.Reset(e.backoff)
		}

		select {
		case <-wait.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func readResponse(resp *http.Response) (Response, error) {
	defer resp.Body.Close()

	header := resp.Header.Clone()
	body, err := exchange.ReadBody(header.Get("Content-Type"), resp.Body)
	if err != nil {
		return Response{}, err
	}

	return Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

func timeoutResponse() Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")

	body, _ := exchange.ReadBody(header.Get("Content-Type"), bytes.NewReader([]byte(timeoutBody)))

	return Response{
		StatusCode: http.StatusRequestTimeout,
		Header:     header,
		Body:       body,
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
