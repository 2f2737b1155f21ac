package taskqueue

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sabiedu/sabiedu-edulms/internal/store"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	dsn := os.Getenv("FABRIC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FABRIC_TEST_POSTGRES_DSN not set")
	}
	gw, err := store.New(context.Background(), dsn, 4, nil)
	require.NoError(t, err)
	t.Cleanup(gw.Close)
	return New(gw, nil)
}

// skipBackoff checks that a retrying Fail pushed id's not_before into the
// future, then moves it to now so the test can dequeue the task again
// without sleeping through RetryDelays.
func skipBackoff(t *testing.T, q *Queue, id uuid.UUID) {
	t.Helper()
	affected, err := q.gw.Exec(context.Background(), "test.skip_backoff",
		`UPDATE tasks SET not_before = now() WHERE id = $1 AND not_before > now()`, id)
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)
}

func TestDependencyGatesDequeue(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	blocker, err := q.Enqueue(ctx, Task{AgentID: "grader", Kind: "ingest"})
	require.NoError(t, err)

	dependent, err := q.Enqueue(ctx, Task{AgentID: "grader", Kind: "grade", DependsOn: []uuid.UUID{blocker.ID}})
	require.NoError(t, err)

	first, err := q.Dequeue(ctx, "grader")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, blocker.ID, first.ID)

	second, err := q.Dequeue(ctx, "grader")
	require.NoError(t, err)
	require.Nil(t, second)

	require.NoError(t, q.Complete(ctx, blocker.ID, nil))

	third, err := q.Dequeue(ctx, "grader")
	require.NoError(t, err)
	require.NotNil(t, third)
	require.Equal(t, dependent.ID, third.ID)
}

func TestDequeueIsExactlyOnce(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, Task{AgentID: "grader", Kind: "solo"})
	require.NoError(t, err)

	results := make(chan bool, 4)
	for i := 0; i < 4; i++ {
		go func() {
			got, derr := q.Dequeue(ctx, "grader")
			results <- derr == nil && got != nil && got.ID == task.ID
		}()
	}

	claimed := 0
	for i := 0; i < 4; i++ {
		if <-results {
			claimed++
		}
	}
	require.Equal(t, 1, claimed)
}

func TestFailReschedulesWithBackoffThenTerminates(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, Task{AgentID: "grader", Kind: "flaky", MaxRetries: 2})
	require.NoError(t, err)

	for i := 0; i < task.MaxRetries; i++ {
		got, derr := q.Dequeue(ctx, "grader")
		require.NoError(t, derr)
		require.NotNil(t, got)
		willRetry, ferr := q.Fail(ctx, got.ID, "boom", true)
		require.NoError(t, ferr)
		require.True(t, willRetry)
		skipBackoff(t, q, got.ID)
	}

	status, err := q.GetStatus(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, status.Status)
	require.Equal(t, task.MaxRetries, status.RetryCount)

	got, err := q.Dequeue(ctx, "grader")
	require.NoError(t, err)
	require.NotNil(t, got)
	willRetry, err := q.Fail(ctx, got.ID, "final", true)
	require.NoError(t, err)
	require.False(t, willRetry)

	status, err = q.GetStatus(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status.Status)
}

func TestFailClampsDelayIndexWhenMaxRetriesExceedsScheduleLength(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, Task{AgentID: "grader", Kind: "flaky", MaxRetries: len(RetryDelays) + 5})
	require.NoError(t, err)

	for i := 0; i < task.MaxRetries; i++ {
		got, derr := q.Dequeue(ctx, "grader")
		require.NoError(t, derr)
		require.NotNil(t, got)
		willRetry, ferr := q.Fail(ctx, got.ID, "boom", true)
		require.NoError(t, ferr)
		require.True(t, willRetry)
		skipBackoff(t, q, got.ID)
	}

	status, err := q.GetStatus(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, status.Status)
	require.Equal(t, task.MaxRetries, status.RetryCount)
}

func TestPriorityOneOutranksPriorityTen(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	low, err := q.Enqueue(ctx, Task{AgentID: "grader", Kind: "k", Priority: PriorityBackground})
	require.NoError(t, err)
	urgent, err := q.Enqueue(ctx, Task{AgentID: "grader", Kind: "k", Priority: PriorityCritical})
	require.NoError(t, err)

	got, err := q.Dequeue(ctx, "grader")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, urgent.ID, got.ID)

	got2, err := q.Dequeue(ctx, "grader")
	require.NoError(t, err)
	require.NotNil(t, got2)
	require.Equal(t, low.ID, got2.ID)
}
