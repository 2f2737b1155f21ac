package nats

import "time"

// Config holds connection options for the optional NATS mirror. The
// fabric's operation log tolerates NATS being completely absent: leave URL
// empty to disable the mirror.
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
	PublishTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:            "nats://localhost:4222",
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		PublishTimeout: 2 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return ErrInvalidConfig
	}
	return nil
}
