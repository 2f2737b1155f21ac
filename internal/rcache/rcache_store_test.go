package rcache

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sabiedu/sabiedu-edulms/internal/store"
)

func testCache(t *testing.T) *Cache {
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

func TestSetGetRoundTrip(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	key := "grader:result:1"
	require.NoError(t, c.Set(ctx, Entry{Key: key, AgentID: "grader", Kind: "result", Value: json.RawMessage(`{"score":9}`), TTL: time.Minute}))

	value, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"score":9}`, string(value))

	_, ok, err = c.Get(ctx, "missing-key")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetMissOnExpiredEntry(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	key := "grader:result:expired"
	require.NoError(t, c.Set(ctx, Entry{Key: key, AgentID: "grader", Kind: "result", Value: json.RawMessage(`{}`), TTL: -1 * time.Second}))

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetOnCollisionOverwritesValueAndIncrementsAccessCount(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	key := "grader:result:upsert"
	require.NoError(t, c.Set(ctx, Entry{Key: key, AgentID: "grader", Kind: "result", Value: json.RawMessage(`{"score":1}`), TTL: time.Minute}))

	entries, err := c.GetEntriesByPattern(ctx, key, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(0), entries[0].AccessCount)

	require.NoError(t, c.Set(ctx, Entry{Key: key, AgentID: "grader", Kind: "result", Value: json.RawMessage(`{"score":2}`), TTL: time.Minute}))

	entries, err = c.GetEntriesByPattern(ctx, key, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(1), entries[0].AccessCount)

	value, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"score":2}`, string(value))

	require.NoError(t, c.Set(ctx, Entry{Key: key, AgentID: "grader", Kind: "result", Value: json.RawMessage(`{"score":3}`), TTL: time.Minute}))
	entries, err = c.GetEntriesByPattern(ctx, key, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	// 1 after the second Set, 2 after the Get hit, 3 after the third Set.
	require.Equal(t, int64(3), entries[0].AccessCount, "access_count must strictly increase across upserts, never reset")
}

func TestInvalidateByAgentAndKind(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	// Agent ids and kinds are unique to this test: the tests above leave
	// grader/result entries behind, which would otherwise be counted here.
	require.NoError(t, c.Set(ctx, Entry{Key: "a1", AgentID: "inv-grader", Kind: "inv-result", Value: json.RawMessage(`{}`), TTL: time.Minute}))
	require.NoError(t, c.Set(ctx, Entry{Key: "a2", AgentID: "inv-grader", Kind: "inv-summary", Value: json.RawMessage(`{}`), TTL: time.Minute}))
	require.NoError(t, c.Set(ctx, Entry{Key: "b1", AgentID: "inv-tutor", Kind: "inv-result", Value: json.RawMessage(`{}`), TTL: time.Minute}))

	n, err := c.InvalidateByKind(ctx, "inv-result")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	_, ok, _ := c.Get(ctx, "a2")
	require.True(t, ok)

	n, err = c.InvalidateByAgent(ctx, "inv-grader")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
