package rcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsHitRate(t *testing.T) {
	c := New(nil)
	c.hits.Store(3)
	c.misses.Store(1)

	stats := c.Stats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.75, stats.HitRate, 0.0001)
}

func TestStatsHitRateWithNoSamples(t *testing.T) {
	c := New(nil)
	stats := c.Stats()
	assert.Zero(t, stats.HitRate)
}
