// Package messagebus implements the Message Bus: durable per-channel
// publish/poll with optional unicast recipient, priority+FIFO ordering, and
// exactly-once acknowledgement per message.
package messagebus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sabiedu/sabiedu-edulms/internal/store"
	"github.com/sabiedu/sabiedu-edulms/internal/validate"
)

// ErrAlreadyAcked is returned by Ack when the message was already
// acknowledged by some agent (possibly this one, possibly another).
var ErrAlreadyAcked = errors.New("messagebus: message already acknowledged")

// Message is one entry on the bus. Recipient is empty for broadcast
// messages addressed to every poller of the channel. IDs are dense
// integers, not UUIDs, so arrival order is recoverable even when two
// messages share a created_at timestamp.
type Message struct {
	ID          int64
	Channel     string
	Sender      string
	Recipient   string
	Kind        string
	Payload     json.RawMessage
	Priority    int
	CreatedAt   time.Time
	Processed   bool
	ProcessedAt *time.Time
	ProcessedBy *string
}

// Bus is the Message Bus's public contract.
type Bus interface {
	Publish(ctx context.Context, m Message) (Message, error)
	Poll(ctx context.Context, channel, agentID string, limit int, includeProcessed bool) ([]Message, error)
	Ack(ctx context.Context, messageID int64, agentID string) error
	UnprocessedCount(ctx context.Context, channel, agentID string) (int64, error)
}

type pgBus struct {
	gw *store.Gateway
}

func New(gw *store.Gateway) Bus {
	return &pgBus{gw: gw}
}

func (b *pgBus) Publish(ctx context.Context, m Message) (Message, error) {
	if m.Priority == 0 {
		m.Priority = 5
	}
	if m.Payload == nil {
		m.Payload = json.RawMessage("{}")
	}
	if err := validate.Struct(validate.PublishRequest{Channel: m.Channel, FromAgent: m.Sender, ToAgent: m.Recipient, Kind: m.Kind, Priority: m.Priority}); err != nil {
		return Message{}, err
	}

	err := b.gw.QueryRow(ctx, "messagebus.publish", `
		INSERT INTO messages (channel, from_agent, to_agent, kind, payload, priority, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, now())
		RETURNING id, channel, from_agent, COALESCE(to_agent, ''), kind, payload, priority, created_at
	`, func(row pgx.Row) error {
		return row.Scan(&m.ID, &m.Channel, &m.Sender, &m.Recipient, &m.Kind, &m.Payload, &m.Priority, &m.CreatedAt)
	}, m.Channel, m.Sender, m.Recipient, m.Kind, m.Payload, m.Priority)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// Poll is read-only: it neither leases nor locks, so concurrent pollers may
// observe the same unprocessed message. Ack's conditional update decides
// the winner. Ordering is (priority ASC, created_at ASC, id ASC) — lower
// priority numbers are more urgent and always sort first.
func (b *pgBus) Poll(ctx context.Context, channel, agentID string, limit int, includeProcessed bool) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Message
	err := b.gw.Query(ctx, "messagebus.poll", `
		SELECT id, channel, from_agent, COALESCE(to_agent, ''), kind, payload, priority, created_at, processed_at, processed_by
		FROM messages
		WHERE channel = $1
		  AND (to_agent = $2 OR to_agent IS NULL)
		  AND ($4 OR processed_at IS NULL)
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT $3
	`, func(rows pgx.Rows) error {
		for rows.Next() {
			var m Message
			if err := rows.Scan(&m.ID, &m.Channel, &m.Sender, &m.Recipient, &m.Kind, &m.Payload, &m.Priority, &m.CreatedAt, &m.ProcessedAt, &m.ProcessedBy); err != nil {
				return err
			}
			m.Processed = m.ProcessedAt != nil
			out = append(out, m)
		}
		return nil
	}, channel, agentID, limit, includeProcessed)
	return out, err
}

// Ack marks a message processed, but only if nobody has acked it yet. The
// conditional UPDATE is what makes acknowledgement exactly-once: a second
// caller racing on the same message sees RowsAffected()==0 and gets
// ErrAlreadyAcked instead of silently overwriting the first ack.
func (b *pgBus) Ack(ctx context.Context, messageID int64, agentID string) error {
	affected, err := b.gw.Exec(ctx, "messagebus.ack", `
		UPDATE messages
		SET processed_at = now(), processed_by = $2
		WHERE id = $1 AND processed_at IS NULL
	`, messageID, agentID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyAcked
	}
	return nil
}

func (b *pgBus) UnprocessedCount(ctx context.Context, channel, agentID string) (int64, error) {
	var count int64
	err := b.gw.QueryRow(ctx, "messagebus.unprocessed_count", `
		SELECT count(*) FROM messages
		WHERE channel = $1 AND processed_at IS NULL AND (to_agent = $2 OR to_agent IS NULL)
	`, func(row pgx.Row) error {
		return row.Scan(&count)
	}, channel, agentID)
	return count, err
}
