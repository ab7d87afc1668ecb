package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/angeloszaimis/idleproxy/internal/exchange"
)

const DefaultSubject = "idleproxy.exchanges"

// Conn is the part of a NATS connection the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	IsClosed() bool
	Drain() error
	Close()
}

// Summary is the message published for every persisted exchange.
type Summary struct {
	ID        string    `json:"id"`
	ServerID  string    `json:"server_id"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Status    int       `json:"status"`
	Elapsed   float64   `json:"elapsed"`
	Timestamp time.Time `json:"timestamp"`
}

func SummaryOf(ex exchange.Exchange) Summary {
	return Summary{
		ID:        ex.ID,
		ServerID:  ex.ServerID,
		Method:    ex.Request.Method,
		URL:       ex.Request.URL,
		Status:    ex.Response.Status,
		Elapsed:   ex.ElapsedSeconds(),
		Timestamp: ex.Timestamp.UTC(),
	}
}

// Publisher sends exchange summaries to <subject>.<server id>.
type Publisher struct {
	nc      Conn
	subject string
}

// NewPublisher connects to the NATS server at url.
func NewPublisher(url, subject string, logger *slog.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("idleproxy"),
		nats.Timeout(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}

	return New(nc, subject), nil
}

// New wraps an established connection.
func New(nc Conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{nc: nc, subject: subject}
}

// Subject returns the subject summaries of serverID are published on.
func (p *Publisher) Subject(serverID string) string {
	return p.subject + "." + serverID
}

func (p *Publisher) Publish(ctx context.Context, ex exchange.Exchange) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(SummaryOf(ex))
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	return p.nc.Publish(p.Subject(ex.ServerID), payload)
}

func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
