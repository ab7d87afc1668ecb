package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/angeloszaimis/idleproxy/internal/store"
)

const Prefix = "/_api"

// Reader is the part of the store the API reads from.
type Reader interface {
	Servers(ctx context.Context) ([]store.Server, error)
	ListRequests(ctx context.Context, q store.Query) ([]store.Record, error)
	GetRequest(ctx context.Context, id string) (*store.Detail, error)
	Body(ctx context.Context, id string, side store.Side) (*store.Blob, error)
	Stats(ctx context.Context, q store.Query) (store.Stats, error)
	Logs(ctx context.Context, serverID string) (string, error)
}

// StateFunc reports the current lifecycle state of every backend by id.
type StateFunc func() map[string]string

// ServerView is a server row with live state and total running time.
type ServerView struct {
	store.Server
	State       string  `json:"state,omitempty"`
	RunningTime float64 `json:"running_time"`
}

type LogsView struct {
	ServerID string `json:"server_id"`
	Logs     string `json:"logs"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "OPTIONS, GET",
	"Access-Control-Allow-Headers": "Content-Type",
}

type API struct {
	reader Reader
	states StateFunc
	logger *slog.Logger
}

func New(reader Reader, states StateFunc, logger *slog.Logger) *API {
	return &API{reader: reader, states: states, logger: logger}
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for key, value := range corsHeaders {
		w.Header().Set(key, value)
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method Not Allowed!")
		return
	}

	switch strings.TrimPrefix(r.URL.Path, Prefix) {
	case "/servers":
		a.servers(w, r)
	case "/requests":
		a.requests(w, r)
	case "/request":
		a.request(w, r)
	case "/logs":
		a.logs(w, r)
	case "/stats":
		a.stats(w, r)
	default:
		a.writeError(w, http.StatusNotFound, "NOT_FOUND", "Not Found!")
	}
}

func (a *API) servers(w http.ResponseWriter, r *http.Request) {
	servers, err := a.reader.Servers(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}

	var states map[string]string
	if a.states != nil {
		states = a.states()
	}

	views := make([]ServerView, 0, len(servers))
	for _, server := range servers {
		stats, err := a.reader.Stats(r.Context(), store.Query{ServerID: server.ID})
		if err != nil {
			a.fail(w, err)
			return
		}
		views = append(views, ServerView{
			Server:      server,
			State:       states[server.ID],
			RunningTime: stats.RunningTime,
		})
	}

	a.writeJSON(w, http.StatusOK, views)
}

func (a *API) requests(w http.ResponseWriter, r *http.Request) {
	q := store.Query{ServerID: r.URL.Query().Get("server_id")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			a.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer")
			return
		}
		q.Limit = limit
	}

	records, err := a.reader.ListRequests(r.Context(), q)
	if err != nil {
		a.fail(w, err)
		return
	}
	if records == nil {
		records = []store.Record{}
	}

	a.writeJSON(w, http.StatusOK, records)
}

// request returns one exchange, or with body=request|response the raw
// body bytes under their original content type.
func (a *API) request(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		a.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Please specify id param!")
		return
	}

	body := r.URL.Query().Get("body")
	if body == "" {
		detail, err := a.reader.GetRequest(r.Context(), id)
		if err != nil {
			a.fail(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, detail)
		return
	}

	side := store.Side(body)
	if side != store.SideRequest && side != store.SideResponse {
		a.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "body must be request or response")
		return
	}

	blob, err := a.reader.Body(r.Context(), id, side)
	if err != nil {
		a.fail(w, err)
		return
	}

	if blob.ContentType != "" {
		w.Header().Set("Content-Type", blob.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob.Data)
}

func (a *API) logs(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("server_id")
	if serverID == "" {
		a.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Please specify server_id param!")
		return
	}

	text, err := a.reader.Logs(r.Context(), serverID)
	if err != nil {
		a.fail(w, err)
		return
	}

	a.writeJSON(w, http.StatusOK, LogsView{ServerID: serverID, Logs: text})
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	q := store.Query{
		ServerID: r.URL.Query().Get("server_id"),
		Date:     r.URL.Query().Get("date"),
	}

	stats, err := a.reader.Stats(r.Context(), q)
	if err != nil {
		a.fail(w, err)
		return
	}

	a.writeJSON(w, http.StatusOK, stats)
}

func (a *API) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, "NOT_FOUND", "Not Found!")
		return
	}

	a.logger.Error("Store read failed", slog.String("error", err.Error()))
	a.writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal Server Error!")
}

func (a *API) writeError(w http.ResponseWriter, status int, code, message string) {
	a.writeJSON(w, status, errorBody{Code: code, Message: message})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("Failed to encode response", slog.String("error", err.Error()))
	}
}
