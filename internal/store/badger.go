package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/angeloszaimis/idleproxy/internal/exchange"
)

// BadgerStore implements Store with Badger DB.
//
// Keys:
//
//	server:<id>                          Server (JSON)
//	request:<id>                         Record (JSON)
//	idx:server:<server>:<id>             empty
//	idx:date:<YYYY-MM-DD>:<id>           empty
//	blob:<id>:request|response           exchange half without the body bytes (JSON)
//	blob:<id>:request_body|response_body raw body bytes
//	logs:<server>                        bounded log text
//
// Exchange ids are UUIDv7, so key order within a prefix is time order.
type BadgerStore struct {
	db *badger.DB

	// writes serializes read-modify-write transactions
	writes sync.Mutex
}

// NewBadgerStore opens (or creates) a store on disk at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 24)
	return open(opts)
}

// NewMemoryStore opens a store that lives only as long as the process.
func NewMemoryStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func serverKey(id string) []byte {
	return []byte("server:" + id)
}

func requestKey(id string) []byte {
	return []byte("request:" + id)
}

func serverIndexPrefix(server string) []byte {
	return []byte("idx:server:" + server + ":")
}

func dateIndexPrefix(date string) []byte {
	return []byte("idx:date:" + date + ":")
}

func blobKey(id, part string) []byte {
	return []byte("blob:" + id + ":" + part)
}

func logsKey(server string) []byte {
	return []byte("logs:" + server)
}

func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writes.Lock()
	defer s.writes.Unlock()
	return s.db.Update(fn)
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getRaw(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

// RegisterServer writes the server row, keeping the original creation
// time and last request time of an existing one.
func (s *BadgerStore) RegisterServer(ctx context.Context, server Server) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var existing Server
		err := getJSON(txn, serverKey(server.ID), &existing)
		switch {
		case err == nil:
			server.CreatedAt = existing.CreatedAt
			server.LastRequestAt = existing.LastRequestAt
		case errors.Is(err, ErrNotFound):
			if server.CreatedAt.IsZero() {
				server.CreatedAt = time.Now().UTC()
			}
		default:
			return err
		}
		return setJSON(txn, serverKey(server.ID), server)
	})
}

func (s *BadgerStore) Server(ctx context.Context, id string) (*Server, error) {
	var out Server
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, serverKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) Servers(ctx context.Context) ([]Server, error) {
	var out []Server
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("server:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var server Server
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &server)
			}); err != nil {
				return err
			}
			out = append(out, server)
		}
		return nil
	})
	return out, err
}

// SaveExchange writes the record, both blobs, the indexes and the server's
// last request time in one transaction.
func (s *BadgerStore) SaveExchange(ctx context.Context, ex exchange.Exchange) error {
	if ex.ID == "" {
		return errors.New("exchange has no id")
	}

	record := recordFor(ex)

	return s.update(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, requestKey(ex.ID), record); err != nil {
			return err
		}
		if err := setJSON(txn, blobKey(ex.ID, "request"), ex.Request); err != nil {
			return err
		}
		if err := txn.Set(blobKey(ex.ID, "request_body"), ex.Request.Body.Raw); err != nil {
			return err
		}
		if err := setJSON(txn, blobKey(ex.ID, "response"), ex.Response); err != nil {
			return err
		}
		if err := txn.Set(blobKey(ex.ID, "response_body"), ex.Response.Body.Raw); err != nil {
			return err
		}

		if err := txn.Set(append(serverIndexPrefix(ex.ServerID), ex.ID...), nil); err != nil {
			return err
		}
		if err := txn.Set(append(dateIndexPrefix(record.Date), ex.ID...), nil); err != nil {
			return err
		}

		var server Server
		err := getJSON(txn, serverKey(ex.ServerID), &server)
		switch {
		case errors.Is(err, ErrNotFound):
			server = Server{ID: ex.ServerID, CreatedAt: record.CreatedAt}
		case err != nil:
			return err
		}
		if record.CreatedAt.After(server.LastRequestAt) {
			server.LastRequestAt = record.CreatedAt
		}
		return setJSON(txn, serverKey(ex.ServerID), server)
	})
}

// ListRequests returns records newest first.
func (s *BadgerStore) ListRequests(ctx context.Context, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(txn, q, func(r Record) bool {
			out = append(out, r)
			return len(out) < limit
		})
	})
	return out, err
}

// scan walks the records matching q from newest to oldest until fn
// returns false.
func (s *BadgerStore) scan(txn *badger.Txn, q Query, fn func(Record) bool) error {
	prefix := []byte("request:")
	indexed := false
	switch {
	case q.ServerID != "":
		prefix, indexed = serverIndexPrefix(q.ServerID), true
	case q.Date != "":
		prefix, indexed = dateIndexPrefix(q.Date), true
	}

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = true
	opts.PrefetchValues = !indexed
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := append(bytes.Clone(prefix), 0xff)
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		var record Record

		if indexed {
			id := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			if err := getJSON(txn, requestKey(id), &record); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
		} else if err := it.Item().Value(func(v []byte) error {
			return json.Unmarshal(v, &record)
		}); err != nil {
			return err
		}

		if !q.matches(record) {
			continue
		}
		if !fn(record) {
			return nil
		}
	}
	return nil
}

// GetRequest returns one exchange with content-negotiated bodies.
func (s *BadgerStore) GetRequest(ctx context.Context, id string) (*Detail, error) {
	var (
		record   Record
		request  exchange.Request
		response exchange.Response
	)

	err := s.db.View(func(txn *badger.Txn) error {
		if err := getJSON(txn, requestKey(id), &record); err != nil {
			return err
		}
		if err := getJSON(txn, blobKey(id, "request"), &request); err != nil {
			return err
		}
		if err := getJSON(txn, blobKey(id, "response"), &response); err != nil {
			return err
		}

		var err error
		if request.Body.Raw, err = getRaw(txn, blobKey(id, "request_body")); err != nil {
			return err
		}
		response.Body.Raw, err = getRaw(txn, blobKey(id, "response_body"))
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Detail{
		Record: record,
		Request: RequestView{
			Method:  request.Method,
			URL:     request.URL,
			Headers: request.Headers,
			Body:    payloadFor(id, SideRequest, request.Body),
		},
		Response: ResponseView{
			URL:        response.URL,
			Headers:    response.Headers,
			Body:       payloadFor(id, SideResponse, response.Body),
			Redirected: response.Redirected,
			Status:     response.Status,
			StatusText: response.StatusText,
		},
	}, nil
}

// Body returns the raw bytes of one side of an exchange.
func (s *BadgerStore) Body(ctx context.Context, id string, side Side) (*Blob, error) {
	if side != SideRequest && side != SideResponse {
		return nil, fmt.Errorf("unknown body side %q", side)
	}

	var blob Blob
	err := s.db.View(func(txn *badger.Txn) error {
		var meta struct {
			Body exchange.Body `json:"body"`
		}
		if err := getJSON(txn, blobKey(id, string(side)), &meta); err != nil {
			return err
		}
		blob.ContentType = meta.Body.ContentType

		var err error
		blob.Data, err = getRaw(txn, blobKey(id, string(side)+"_body"))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// Stats counts matching records and sums their elapsed seconds.
func (s *BadgerStore) Stats(ctx context.Context, q Query) (Stats, error) {
	var stats Stats
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(txn, q, func(r Record) bool {
			stats.Requests++
			stats.RunningTime += r.Elapsed
			return true
		})
	})
	return stats, err
}

// AppendLog adds one line to the backend's log text, dropping the oldest
// lines past MaxLogBytes.
func (s *BadgerStore) AppendLog(ctx context.Context, serverID, text string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		current, err := getRaw(txn, logsKey(serverID))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		next := string(current) + strings.TrimRight(text, "\n") + "\n"
		return txn.Set(logsKey(serverID), []byte(trimLog(next)))
	})
}

func (s *BadgerStore) Logs(ctx context.Context, serverID string) (string, error) {
	var out string
	err := s.db.View(func(txn *badger.Txn) error {
		data, err := getRaw(txn, logsKey(serverID))
		if err != nil {
			return err
		}
		out = string(data)
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return out, err
}

var _ Store = (*BadgerStore)(nil)
