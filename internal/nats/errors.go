package nats

import "errors"

// Sentinel errors for NATS operations.
var (
	ErrNotConnected  = errors.New("nats: not connected")
	ErrPublishFailed = errors.New("nats: publish failed")
	ErrInvalidConfig = errors.New("nats: invalid configuration")
)
