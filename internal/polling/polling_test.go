package polling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestPoller() *poller {
	p := &poller{
		agentID: "agent-1",
		cfg: Config{
			MinInterval:   500 * time.Millisecond,
			MaxInterval:   8 * time.Second,
			BackoffFactor: 2,
			BatchSize:     20,
		},
	}
	p.stats.Store(Stats{AgentID: p.agentID, CurrentInterval: p.cfg.MinInterval})
	return p
}

func TestNextIntervalBacksOffOnEmptyPoll(t *testing.T) {
	p := newTestPoller()
	next := p.nextInterval(p.cfg.MinInterval, 0)
	assert.Equal(t, p.cfg.MinInterval*2, next)
}

func TestNextIntervalCapsAtMax(t *testing.T) {
	p := newTestPoller()
	next := p.nextInterval(6*time.Second, 0)
	assert.Equal(t, p.cfg.MaxInterval, next)
}

func TestNextIntervalResetsOnWork(t *testing.T) {
	p := newTestPoller()
	next := p.nextInterval(4*time.Second, 3)
	assert.Equal(t, p.cfg.MinInterval, next)
}

func TestConfigAppliesDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, 500*time.Millisecond, cfg.MinInterval)
	assert.Equal(t, 30*time.Second, cfg.MaxInterval)
	assert.Equal(t, 1.5, cfg.BackoffFactor)
	assert.Equal(t, 20, cfg.BatchSize)
}
