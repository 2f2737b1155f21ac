// Package validate centralizes struct-tag validation of caller-supplied
// requests at the fabric's boundary, before any query runs.
package validate

import (
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	instance *validator.Validate
)

// Get returns the shared validator instance, registering the fabric's
// custom validators on first use.
func Get() *validator.Validate {
	once.Do(func() {
		instance = validator.New()
		_ = instance.RegisterValidation("agentid", validateAgentID)
	})
	return instance
}

// Struct validates s against its `validate` struct tags.
func Struct(s any) error {
	return Get().Struct(s)
}

// validateAgentID rejects empty or whitespace-only agent identifiers.
// Agent identity is a trusted caller-supplied string per the fabric's
// contract, not an authenticated principal, so this only guards against
// obviously malformed input.
func validateAgentID(fl validator.FieldLevel) bool {
	v := fl.Field().String()
	return strings.TrimSpace(v) != ""
}

// PublishRequest validates messagebus.Publish input before it reaches the
// Store Gateway.
type PublishRequest struct {
	Channel   string `validate:"required"`
	FromAgent string `validate:"required,agentid"`
	ToAgent   string `validate:"omitempty,agentid"`
	Kind      string `validate:"required"`
	Priority  int    `validate:"gte=1,lte=10"`
}

// EnqueueRequest validates taskqueue.Enqueue input.
type EnqueueRequest struct {
	AgentID  string `validate:"required,agentid"`
	Kind     string `validate:"required"`
	Priority int    `validate:"gte=1,lte=10"`
}

// CreateSessionRequest validates session.CreateSession input.
type CreateSessionRequest struct {
	UserID string   `validate:"required"`
	Agents []string `validate:"required,min=1,dive,agentid"`
}
