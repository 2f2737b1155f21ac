// Package polling implements the Polling Supervisor: one adaptive-backoff
// poll loop per agent, handing batches of messages to a caller-supplied
// handler and acknowledging each message only after it succeeds.
package polling

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sabiedu/sabiedu-edulms/internal/messagebus"
)

// Handler processes one channel's polled batch. A nil error acknowledges
// every message in the batch; a non-nil error leaves the whole batch
// unacknowledged for a future poll.
type Handler func(ctx context.Context, msgs []messagebus.Message) error

type Config struct {
	MinInterval   time.Duration
	MaxInterval   time.Duration
	BackoffFactor float64
	BatchSize     int
}

func (c *Config) applyDefaults() {
	if c.MinInterval <= 0 {
		c.MinInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 1.5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
}

// Stats is a point-in-time snapshot of one agent's poller.
type Stats struct {
	AgentID         string
	CurrentInterval time.Duration
	LastPollAt      time.Time
	LastBatchSize   int
	TotalPolled     int64
	TotalAcked      int64
	TotalErrors     int64
}

// SuccessRate is the fraction of polled messages that were successfully
// handled and acked. Zero polls report a perfect rate rather than NaN.
func (s Stats) SuccessRate() float64 {
	if s.TotalPolled == 0 {
		return 1
	}
	return float64(s.TotalAcked) / float64(s.TotalPolled)
}

type poller struct {
	agentID  string
	channels []string
	bus      messagebus.Bus
	handler  Handler
	cfg      Config
	log      *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	stats atomic.Value // Stats
}

// Supervisor owns one poller per registered agent.
type Supervisor struct {
	bus messagebus.Bus
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	pollers map[string]*poller
}

func New(bus messagebus.Bus, cfg Config, log *slog.Logger) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{bus: bus, cfg: cfg, log: log, pollers: make(map[string]*poller)}
}

// StartPollingForAgent launches (or replaces) the poll loop for agentID,
// covering every channel in channels.
func (s *Supervisor) StartPollingForAgent(ctx context.Context, agentID string, channels []string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.pollers[agentID]; ok {
		existing.stop(context.Background())
	}

	p := &poller{
		agentID:  agentID,
		channels: channels,
		bus:      s.bus,
		handler:  h,
		cfg:      s.cfg,
		log:      s.log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	p.stats.Store(Stats{AgentID: agentID, CurrentInterval: s.cfg.MinInterval})
	s.pollers[agentID] = p
	go p.run(ctx)
}

func (s *Supervisor) StopPollingForAgent(agentID string) {
	s.mu.Lock()
	p, ok := s.pollers[agentID]
	if ok {
		delete(s.pollers, agentID)
	}
	s.mu.Unlock()
	if ok {
		p.stop(context.Background())
	}
}

// StopAll stops every registered poller, waiting up to ctx's deadline for
// each to finish its in-flight batch.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	pollers := make([]*poller, 0, len(s.pollers))
	for _, p := range s.pollers {
		pollers = append(pollers, p)
	}
	s.pollers = make(map[string]*poller)
	s.mu.Unlock()

	for _, p := range pollers {
		p.stop(ctx)
	}
}

func (s *Supervisor) GetPollingStats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stats, 0, len(s.pollers))
	for _, p := range s.pollers {
		out = append(out, p.stats.Load().(Stats))
	}
	return out
}

func (p *poller) stop(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stopCh) })
	select {
	case <-p.doneCh:
	case <-ctx.Done():
	}
}

func (p *poller) run(ctx context.Context) {
	defer close(p.doneCh)

	interval := p.cfg.MinInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-timer.C:
			n := p.pollOnce(ctx)
			interval = p.nextInterval(interval, n)
			timer.Reset(interval)
		}
	}
}

// pollOnce polls every subscribed channel for up to BatchSize messages,
// hands each channel's batch to the handler as a unit, and acknowledges
// every message in the batch once the handler returns successfully. It
// returns the total number of messages polled across all channels, which
// drives the adaptive backoff. The stop signal is checked between channels
// so a stop request doesn't wait on the whole batch.
func (p *poller) pollOnce(ctx context.Context) int {
	total := 0
	for _, channel := range p.channels {
		select {
		case <-p.stopCh:
			return total
		default:
		}

		msgs, err := p.bus.Poll(ctx, channel, p.agentID, p.cfg.BatchSize, false)
		if err != nil {
			p.bumpStats(func(s *Stats) { s.TotalErrors++ })
			if p.log != nil {
				p.log.Warn("polling: poll failed", slog.String("agent_id", p.agentID), slog.String("channel", channel), slog.String("error", err.Error()))
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		acked := 0
		if err := p.handler(ctx, msgs); err != nil {
			p.bumpStats(func(s *Stats) { s.TotalErrors++ })
			if p.log != nil {
				p.log.Warn("polling: handler failed", slog.String("agent_id", p.agentID), slog.String("channel", channel), slog.String("error", err.Error()))
			}
		} else {
			for _, m := range msgs {
				if err := p.bus.Ack(ctx, m.ID, p.agentID); err != nil {
					if p.log != nil {
						p.log.Warn("polling: ack failed", slog.String("agent_id", p.agentID), slog.Int64("message_id", m.ID), slog.String("error", err.Error()))
					}
					continue
				}
				acked++
			}
		}

		p.bumpStats(func(s *Stats) {
			s.LastPollAt = time.Now().UTC()
			s.LastBatchSize = len(msgs)
			s.TotalPolled += int64(len(msgs))
			s.TotalAcked += int64(acked)
		})
		total += len(msgs)
	}
	return total
}

// nextInterval grows the poll interval geometrically on empty polls and
// resets to the floor as soon as there's work, so an idle agent backs off
// but a busy one stays responsive.
func (p *poller) nextInterval(current time.Duration, polled int) time.Duration {
	if polled > 0 {
		p.bumpStats(func(s *Stats) { s.CurrentInterval = p.cfg.MinInterval })
		return p.cfg.MinInterval
	}
	next := time.Duration(float64(current) * p.cfg.BackoffFactor)
	if next > p.cfg.MaxInterval {
		next = p.cfg.MaxInterval
	}
	p.bumpStats(func(s *Stats) { s.CurrentInterval = next })
	return next
}

func (p *poller) bumpStats(mutate func(*Stats)) {
	s := p.stats.Load().(Stats)
	mutate(&s)
	p.stats.Store(s)
}
