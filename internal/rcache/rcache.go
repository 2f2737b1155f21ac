// Package rcache implements the Result Cache: a TTL-indexed, Postgres-backed
// cache of agent computation results with pattern/agent/kind invalidation
// and a scheduled cleanup of expired entries.
package rcache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sabiedu/sabiedu-edulms/internal/store"
)

// Entry is one cached result.
type Entry struct {
	Key          string
	AgentID      string
	Kind         string
	Value        json.RawMessage
	TTL          time.Duration
	ExpiresAt    time.Time
	AccessCount  int64
	CreatedAt    time.Time
	LastAccessed time.Time
}

// Stats summarizes cache behavior since process start. HitRate is derived
// from in-process counters rather than scanned from the operation log: it
// is cheap to maintain and still a real, live number.
type Stats struct {
	Hits    int64
	Misses  int64
	HitRate float64
}

type Cache struct {
	gw *store.Gateway

	hits   atomic.Int64
	misses atomic.Int64
}

func New(gw *store.Gateway) *Cache {
	return &Cache{gw: gw}
}

// Set stores value under key, owned by agentID, tagged with kind, expiring
// after ttl. Re-setting an existing key overwrites its value, kind, ttl and
// expiry but never rewinds access_count: a collision is a hit on the key's
// history, not a new entry, so the counter strictly increases across the
// key's lifetime.
func (c *Cache) Set(ctx context.Context, e Entry) error {
	if e.TTL == 0 {
		e.TTL = 5 * time.Minute
	}
	expiresAt := time.Now().UTC().Add(e.TTL)
	_, err := c.gw.Exec(ctx, "rcache.set", `
		INSERT INTO cache_entries (cache_key, agent_id, kind, value, ttl_seconds, expires_at, access_count, created_at, last_accessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, now(), now())
		ON CONFLICT (cache_key) DO UPDATE
		SET agent_id = EXCLUDED.agent_id,
		    kind = EXCLUDED.kind,
		    value = EXCLUDED.value,
		    ttl_seconds = EXCLUDED.ttl_seconds,
		    expires_at = EXCLUDED.expires_at,
		    access_count = cache_entries.access_count + 1,
		    last_accessed_at = now()
	`, e.Key, e.AgentID, e.Kind, e.Value, int64(e.TTL.Seconds()), expiresAt)
	return err
}

// Get returns the cached value for key. A missing or expired entry is a
// miss, not an error; expired entries are left for the cleanup scheduler
// rather than deleted inline, so a burst of reads against one dead key
// doesn't turn into a burst of deletes.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value json.RawMessage
	var expiresAt time.Time
	err := c.gw.QueryRow(ctx, "rcache.get", `
		SELECT value, expires_at FROM cache_entries WHERE cache_key = $1
	`, func(row pgx.Row) error {
		return row.Scan(&value, &expiresAt)
	}, key)
	if err != nil {
		if isNotFound(err) {
			c.misses.Add(1)
			return nil, false, nil
		}
		return nil, false, err
	}
	if time.Now().UTC().After(expiresAt) {
		c.misses.Add(1)
		return nil, false, nil
	}

	c.hits.Add(1)
	_, _ = c.gw.Exec(ctx, "rcache.touch", `
		UPDATE cache_entries SET access_count = access_count + 1, last_accessed_at = now() WHERE cache_key = $1
	`, key)
	return value, true, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	_, err := c.gw.Exec(ctx, "rcache.delete", `DELETE FROM cache_entries WHERE cache_key = $1`, key)
	return err
}

// InvalidatePattern deletes every entry whose key matches a SQL LIKE
// pattern (caller passes "%" wildcards, this is intentionally not a query
// language per the component's stated non-goals).
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) (int64, error) {
	return c.gw.Exec(ctx, "rcache.invalidate_pattern", `DELETE FROM cache_entries WHERE cache_key LIKE $1`, pattern)
}

func (c *Cache) InvalidateByAgent(ctx context.Context, agentID string) (int64, error) {
	return c.gw.Exec(ctx, "rcache.invalidate_by_agent", `DELETE FROM cache_entries WHERE agent_id = $1`, agentID)
}

func (c *Cache) InvalidateByKind(ctx context.Context, kind string) (int64, error) {
	return c.gw.Exec(ctx, "rcache.invalidate_by_kind", `DELETE FROM cache_entries WHERE kind = $1`, kind)
}

// CleanupExpired deletes all entries past their expiry. Called by the
// scheduled cleanup loop in internal/hub, guarded by the distributed lock
// so only one fabric process runs it at a time.
func (c *Cache) CleanupExpired(ctx context.Context) (int64, error) {
	return c.gw.Exec(ctx, "rcache.cleanup_expired", `DELETE FROM cache_entries WHERE expires_at <= now()`)
}

// ExtendTTL pushes expiry out by ttl from now, without touching the value
// or access counter.
func (c *Cache) ExtendTTL(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.gw.Exec(ctx, "rcache.extend_ttl", `
		UPDATE cache_entries SET ttl_seconds = $2, expires_at = now() + make_interval(secs => $2) WHERE cache_key = $1
	`, key, int64(ttl.Seconds()))
	return err
}

// GetEntriesByPattern lists live (non-expired) entries matching a LIKE
// pattern, optionally narrowed to one agent. Supplemental operation carried
// over from the fabric's original cache manager.
func (c *Cache) GetEntriesByPattern(ctx context.Context, pattern, agentID string) ([]Entry, error) {
	var out []Entry
	err := c.gw.Query(ctx, "rcache.get_entries_by_pattern", `
		SELECT cache_key, agent_id, kind, value, ttl_seconds, expires_at, access_count, created_at, last_accessed_at
		FROM cache_entries
		WHERE cache_key LIKE $1 AND expires_at > now() AND ($2 = '' OR agent_id = $2)
		ORDER BY created_at DESC
	`, func(rows pgx.Rows) error {
		for rows.Next() {
			var e Entry
			var ttlSeconds int64
			if err := rows.Scan(&e.Key, &e.AgentID, &e.Kind, &e.Value, &ttlSeconds, &e.ExpiresAt, &e.AccessCount, &e.CreatedAt, &e.LastAccessed); err != nil {
				return err
			}
			e.TTL = time.Duration(ttlSeconds) * time.Second
			out = append(out, e)
		}
		return nil
	}, pattern, agentID)
	return out, err
}

// WarmCache bulk-preloads entries, e.g. at startup from a snapshot.
// Supplemental operation carried over from the fabric's original cache
// manager.
func (c *Cache) WarmCache(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if err := c.Set(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{Hits: hits, Misses: misses, HitRate: rate}
}

func isNotFound(err error) bool {
	var se *store.Error
	return errors.As(err, &se) && se.Kind == store.KindNotFound
}
