// Package nats wraps a core NATS connection used to mirror operation-log
// entries to an external subject. It deliberately does not use JetStream:
// the mirror is a best-effort audit stream, not a durable queue, so plain
// publish-and-forget is the right tool.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	natsgo "github.com/nats-io/nats.go"
)

// Client wraps a NATS connection with reconnect handling and a publish
// helper; the caller supplies the full subject on each Publish.
type Client struct {
	cfg  Config
	conn *natsgo.Conn
	log  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log.With(slog.String("component", "nats_client"))}
}

// Connect establishes the connection. Calling Connect with an empty URL is
// a programmer error; callers should skip constructing a Client entirely
// when NATS is not configured.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("nats config: %w", err)
	}

	opts := []natsgo.Option{
		natsgo.Name("agent-coordination-fabric"),
		natsgo.Timeout(c.cfg.ConnectTimeout),
		natsgo.ReconnectWait(c.cfg.ReconnectWait),
		natsgo.MaxReconnects(c.cfg.MaxReconnects),
		natsgo.DisconnectErrHandler(c.onDisconnect),
		natsgo.ReconnectHandler(c.onReconnect),
		natsgo.ClosedHandler(c.onClosed),
	}

	conn, err := natsgo.Connect(c.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("nats connect to %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("connected to NATS", slog.String("url", c.cfg.URL))
	return nil
}

// Publish fires data at subject. It logs nothing itself: a missing
// connection returns ErrNotConnected and a failed publish returns an error
// wrapping ErrPublishFailed, for the caller to log or ignore.
func (c *Client) Publish(subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.closed {
		c.conn.Close()
		c.closed = true
	}
}

func (c *Client) onDisconnect(_ *natsgo.Conn, err error) {
	if err != nil {
		c.log.Warn("nats disconnected", slog.String("error", err.Error()))
	}
}

func (c *Client) onReconnect(conn *natsgo.Conn) {
	c.log.Info("nats reconnected", slog.String("url", conn.ConnectedUrl()))
}

func (c *Client) onClosed(_ *natsgo.Conn) {
	c.log.Info("nats connection closed")
}
