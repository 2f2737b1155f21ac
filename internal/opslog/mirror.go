package opslog

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sabiedu/sabiedu-edulms/internal/nats"
)

// NATSMirror publishes every logged entry to a NATS subject so external
// tooling can tail the audit trail without querying Postgres. It never
// blocks or fails the caller: publish errors are logged and swallowed.
type NATSMirror struct {
	client  *nats.Client
	subject string
	log     *slog.Logger
}

func NewNATSMirror(client *nats.Client, subject string, log *slog.Logger) *NATSMirror {
	return &NATSMirror{client: client, subject: subject, log: log}
}

type wireEntry struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Operation string `json:"operation"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
}

func (m *NATSMirror) Publish(_ context.Context, e Entry) {
	if m == nil || m.client == nil {
		return
	}
	payload, err := json.Marshal(wireEntry{
		ID:        e.ID.String(),
		AgentID:   e.AgentID,
		Operation: e.Operation,
		Success:   e.Success,
		Detail:    e.Detail,
		CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return
	}
	subject := m.subject + "." + e.AgentID
	if err := m.client.Publish(subject, payload); err != nil && m.log != nil {
		m.log.Debug("opslog: nats mirror publish failed", slog.String("error", err.Error()))
	}
}
