package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/angeloszaimis/idleproxy/internal/store"
)

const clientTimeout = 10 * time.Second

// Client reads the API of a running proxy.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the admin listener at base, e.g.
// "http://127.0.0.1:9090".
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: clientTimeout},
	}
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *Client) Servers(ctx context.Context) ([]ServerView, error) {
	var out []ServerView
	err := c.getJSON(ctx, "/servers", nil, &out)
	return out, err
}

func (c *Client) Requests(ctx context.Context, serverID string, limit int) ([]store.Record, error) {
	params := url.Values{}
	if serverID != "" {
		params.Set("server_id", serverID)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var out []store.Record
	err := c.getJSON(ctx, "/requests", params, &out)
	return out, err
}

func (c *Client) Request(ctx context.Context, id string) (*store.Detail, error) {
	var out store.Detail
	if err := c.getJSON(ctx, "/request", url.Values{"id": {id}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Body fetches the raw bytes of one side of an exchange.
func (c *Client) Body(ctx context.Context, id string, side store.Side) (*store.Blob, error) {
	resp, err := c.get(ctx, "/request", url.Values{"id": {id}, "body": {string(side)}})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &store.Blob{ContentType: resp.Header.Get("Content-Type"), Data: data}, nil
}

func (c *Client) Logs(ctx context.Context, serverID string) (string, error) {
	var out LogsView
	err := c.getJSON(ctx, "/logs", url.Values{"server_id": {serverID}}, &out)
	return out.Logs, err
}

func (c *Client) Stats(ctx context.Context, serverID, date string) (store.Stats, error) {
	params := url.Values{}
	if serverID != "" {
		params.Set("server_id", serverID)
	}
	if date != "" {
		params.Set("date", date)
	}

	var out store.Stats
	err := c.getJSON(ctx, "/stats", params, &out)
	return out, err
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	resp, err := c.get(ctx, path, params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// get performs the request and turns a non-2xx answer into an APIError.
func (c *Client) get(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	target := c.base + Prefix + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		apiErr := &APIError{Status: resp.StatusCode}
		var body errorBody
		if json.NewDecoder(resp.Body).Decode(&body) == nil {
			apiErr.Code, apiErr.Message = body.Code, body.Message
		}
		return nil, apiErr
	}

	return resp, nil
}
