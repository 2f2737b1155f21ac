package session

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sabiedu/sabiedu-edulms/internal/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("FABRIC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FABRIC_TEST_POSTGRES_DSN not set")
	}
	gw, err := store.New(context.Background(), dsn, 4, nil)
	require.NoError(t, err)
	t.Cleanup(gw.Close)
	return New(gw)
}

func TestSessionLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "user-1", []string{"tutor", "grader"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StatusActive, sess.Status)
	require.ElementsMatch(t, []string{"tutor", "grader"}, sess.Agents)

	_, err = s.AddTurn(ctx, Turn{SessionID: sess.ID, AgentID: "tutor", Kind: "assistant", Content: "hello"})
	require.NoError(t, err)

	history, err := s.GetHistory(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)

	require.NoError(t, s.Pause(ctx, sess.ID))
	require.NoError(t, s.Resume(ctx, sess.ID))
	require.NoError(t, s.Complete(ctx, sess.ID, nil))

	err = s.Pause(ctx, sess.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateStateMerges(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "user-2", []string{"tutor"}, json.RawMessage(`{"step":1}`), nil)
	require.NoError(t, err)

	updated, err := s.UpdateState(ctx, sess.ID, json.RawMessage(`{"step":2,"topic":"fractions"}`), true)
	require.NoError(t, err)

	var state map[string]any
	require.NoError(t, json.Unmarshal(updated.State, &state))
	require.EqualValues(t, 2, state["step"])
	require.Equal(t, "fractions", state["topic"])
}

func TestUpdateStateReplacesWhenNotMerging(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "user-3", []string{"tutor"}, json.RawMessage(`{"step":1,"extra":true}`), nil)
	require.NoError(t, err)

	updated, err := s.UpdateState(ctx, sess.ID, json.RawMessage(`{"step":9}`), false)
	require.NoError(t, err)

	var state map[string]any
	require.NoError(t, json.Unmarshal(updated.State, &state))
	require.EqualValues(t, 9, state["step"])
	_, hasExtra := state["extra"]
	require.False(t, hasExtra)
}

func TestFailRecordsReasonInMetadata(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "user-4", []string{"tutor"}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.Fail(ctx, sess.ID, "tutor crashed"))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(got.Metadata, &meta))
	require.Equal(t, "tutor crashed", meta["error"])
}

func TestCleanupExpiredTransitionsStaleSessions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "user-5", []string{"tutor"}, nil, nil)
	require.NoError(t, err)

	n, err := s.CleanupExpired(ctx, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, int64(1))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(got.Metadata, &meta))
	require.Equal(t, "expired", meta["cleanup_reason"])
}

func TestCleanupExpiredLeavesFreshSessionsAlone(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "user-6", []string{"tutor"}, nil, nil)
	require.NoError(t, err)

	n, err := s.CleanupExpired(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
}
