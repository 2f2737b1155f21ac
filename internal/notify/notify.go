// Package notify implements the Subscription/Notification Service: an
// in-process registry of agent subscriptions with synchronous ALL/DIRECT/
// PATTERN fan-out, persisted to Postgres so it can be rehydrated after a
// restart. Fan-out is in-process only — there is no cross-process delivery
// even though subscriptions themselves are durable.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sabiedu/sabiedu-edulms/internal/store"
)

type SubscriptionType string

const (
	TypeAll     SubscriptionType = "all"
	TypeDirect  SubscriptionType = "direct"
	TypePattern SubscriptionType = "pattern"
)

// Callback receives one matching event. A panic or error inside it is
// isolated: logged, never propagated to the publisher.
type Callback func(ctx context.Context, ev Event) error

type Subscription struct {
	ID        uuid.UUID
	AgentID   string
	Channel   string
	Type      SubscriptionType
	Pattern   string // substring the serialized event data must contain, PATTERN mode only
	CreatedAt time.Time

	callback Callback
}

// Event is one notification published on a channel.
type Event struct {
	ID        uuid.UUID
	Channel   string
	Kind      string
	Data      json.RawMessage // arbitrary payload; DIRECT mode looks for a top-level "recipient" field
	Source    string
	CreatedAt time.Time
}

// EventHandler runs once per notify() call, before subscriber fan-out,
// for every event whose Kind matches.
type EventHandler func(ctx context.Context, ev Event)

// Service is the registry. Subscriptions are kept both in memory (for fast
// routing) and in Postgres (for durability across restarts).
type Service struct {
	gw  *store.Gateway
	log *slog.Logger

	mu            sync.RWMutex
	byChannel     map[string][]*Subscription // channel -> subscriptions
	eventHandlers map[string][]EventHandler  // event kind -> handlers
}

func New(gw *store.Gateway, log *slog.Logger) *Service {
	return &Service{
		gw:            gw,
		log:           log,
		byChannel:     make(map[string][]*Subscription),
		eventHandlers: make(map[string][]EventHandler),
	}
}

// Start rehydrates the in-process registry from Postgres. Call once before
// serving traffic. Rehydrated subscriptions carry no callback until a
// caller re-subscribes with one — persistence covers the subscription
// declaration, not the in-process handler closure.
func (s *Service) Start(ctx context.Context) error {
	return s.gw.Query(ctx, "notify.rehydrate", `
		SELECT id, agent_id, channel, kind, COALESCE(pattern, ''), created_at FROM subscriptions
	`, func(rows pgx.Rows) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for rows.Next() {
			sub := &Subscription{}
			if err := rows.Scan(&sub.ID, &sub.AgentID, &sub.Channel, &sub.Type, &sub.Pattern, &sub.CreatedAt); err != nil {
				return err
			}
			s.byChannel[sub.Channel] = append(s.byChannel[sub.Channel], sub)
		}
		return nil
	})
}

// RegisterEventHandler adds a handler that runs for every event of kind,
// before that notify() call's subscriber fan-out.
func (s *Service) RegisterEventHandler(kind string, h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventHandlers[kind] = append(s.eventHandlers[kind], h)
}

// Subscribe registers agentID's interest in channel and persists the
// subscription so it survives a restart (without its callback — see
// Start). pattern is only meaningful for TypePattern.
func (s *Service) Subscribe(ctx context.Context, agentID, channel string, typ SubscriptionType, pattern string, cb Callback) (Subscription, error) {
	sub := &Subscription{ID: uuid.New(), AgentID: agentID, Channel: channel, Type: typ, Pattern: pattern, callback: cb}
	err := s.gw.QueryRow(ctx, "notify.subscribe", `
		INSERT INTO subscriptions (id, agent_id, channel, kind, pattern, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), now())
		ON CONFLICT (agent_id, channel) DO UPDATE
		SET kind = EXCLUDED.kind, pattern = EXCLUDED.pattern
		RETURNING created_at
	`, func(row pgx.Row) error {
		return row.Scan(&sub.CreatedAt)
	}, sub.ID, sub.AgentID, sub.Channel, sub.Type, sub.Pattern)
	if err != nil {
		return Subscription{}, err
	}

	s.mu.Lock()
	s.byChannel[channel] = append(replaceForAgent(s.byChannel[channel], agentID), sub)
	s.mu.Unlock()
	return *sub, nil
}

func replaceForAgent(subs []*Subscription, agentID string) []*Subscription {
	kept := subs[:0]
	for _, s := range subs {
		if s.AgentID != agentID {
			kept = append(kept, s)
		}
	}
	return kept
}

func (s *Service) Unsubscribe(ctx context.Context, agentID, channel string) error {
	_, err := s.gw.Exec(ctx, "notify.unsubscribe", `DELETE FROM subscriptions WHERE agent_id = $1 AND channel = $2`, agentID, channel)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byChannel[channel] = replaceForAgent(s.byChannel[channel], agentID)
	return nil
}

func (s *Service) GetAgentSubscriptions(agentID string) []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Subscription
	for _, subs := range s.byChannel {
		for _, sub := range subs {
			if sub.AgentID == agentID {
				out = append(out, *sub)
			}
		}
	}
	return out
}

// Notify evaluates every subscription on ev.Channel synchronously and
// invokes matching callbacks; all callbacks complete before Notify
// returns. A callback's error or panic is isolated — logged, never
// propagated to the caller, so one misbehaving subscriber never blocks
// the publisher or its peers. Event handlers registered for ev.Kind run
// first, ahead of subscriber fan-out.
func (s *Service) Notify(ctx context.Context, ev Event) (fanout int) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Data == nil {
		ev.Data = json.RawMessage("{}")
	}

	s.mu.RLock()
	handlers := append([]EventHandler(nil), s.eventHandlers[ev.Kind]...)
	subs := append([]*Subscription(nil), s.byChannel[ev.Channel]...)
	s.mu.RUnlock()

	for _, h := range handlers {
		s.runHandler(ctx, h, ev)
	}

	for _, sub := range subs {
		if sub.callback == nil || !matches(sub, ev) {
			continue
		}
		s.runCallback(ctx, sub, ev)
		fanout++
	}
	return fanout
}

func (s *Service) runHandler(ctx context.Context, h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil && s.log != nil {
			s.log.Error("notify: event handler panicked", slog.Any("recover", r), slog.String("kind", ev.Kind))
		}
	}()
	h(ctx, ev)
}

func (s *Service) runCallback(ctx context.Context, sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil && s.log != nil {
			s.log.Error("notify: subscriber callback panicked", slog.Any("recover", r), slog.String("agent_id", sub.AgentID), slog.String("channel", sub.Channel))
		}
	}()
	if err := sub.callback(ctx, ev); err != nil && s.log != nil {
		s.log.Warn("notify: subscriber callback failed", slog.String("agent_id", sub.AgentID), slog.String("channel", sub.Channel), slog.String("error", err.Error()))
	}
}

// matches implements the three subscription modes against one event:
//   - ALL: every event on the channel matches.
//   - DIRECT: matches only when the event's data carries a top-level
//     "recipient" field equal to the subscriber's agent id.
//   - PATTERN: matches when sub.Pattern appears as a substring anywhere in
//     the event's serialized data — intentionally not a query language.
func matches(sub *Subscription, ev Event) bool {
	switch sub.Type {
	case TypeAll:
		return true
	case TypeDirect:
		var withRecipient struct {
			Recipient string `json:"recipient"`
		}
		if err := json.Unmarshal(ev.Data, &withRecipient); err != nil {
			return false
		}
		return withRecipient.Recipient == sub.AgentID
	case TypePattern:
		if sub.Pattern == "" {
			return false
		}
		return bytes.Contains(ev.Data, []byte(sub.Pattern))
	default:
		return false
	}
}
