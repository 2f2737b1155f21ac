package taskqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelaysSchedule(t *testing.T) {
	assert.Equal(t, []time.Duration{
		1 * time.Second, 5 * time.Second, 15 * time.Second, 60 * time.Second, 300 * time.Second,
	}, RetryDelays)
}

func TestUUIDArrayNeverNil(t *testing.T) {
	assert.NotNil(t, uuidArray(nil))
	assert.Empty(t, uuidArray(nil))
}

func TestStatsSuccessRate(t *testing.T) {
	stats := Stats{Completed: 3, Failed: 1}
	finished := stats.Completed + stats.Failed
	rate := float64(stats.Completed) / float64(finished)
	assert.InDelta(t, 0.75, rate, 0.0001)
}
