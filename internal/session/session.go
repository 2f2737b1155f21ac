// Package session implements the Session Store: append-only conversation
// turns plus a mergeable state blob, with an active/paused/completed/failed
// lifecycle per session. Sessions are multi-agent: each one carries the
// list of agent ids participating in it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sabiedu/sabiedu-edulms/internal/store"
	"github.com/sabiedu/sabiedu-edulms/internal/validate"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	ErrNotFound          = errors.New("session: not found")
	ErrInvalidTransition = errors.New("session: invalid status transition")
)

type Session struct {
	ID          uuid.UUID
	UserID      string
	Agents      []string
	Status      Status
	State       json.RawMessage
	Metadata    json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

type Turn struct {
	ID           uuid.UUID
	SessionID    uuid.UUID
	AgentID      string
	Kind         string
	Content      string
	ProcessingMS int64
	Metadata     json.RawMessage
	CreatedAt    time.Time
}

// Summary is a lightweight projection used for listing/search results.
type Summary struct {
	ID        uuid.UUID
	UserID    string
	Agents    []string
	Status    Status
	TurnCount int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Metrics reports per-session turn activity. Supplemental operation
// carried over from the fabric's original session manager.
type Metrics struct {
	TurnCount       int64
	AvgProcessingMS float64
	ByAgent         map[string]int64
}

type Store struct {
	gw *store.Gateway

	mu    sync.RWMutex
	cache map[uuid.UUID]Session // active-session read-through cache
}

func New(gw *store.Gateway) *Store {
	return &Store{gw: gw, cache: make(map[uuid.UUID]Session)}
}

func (s *Store) CreateSession(ctx context.Context, userID string, agents []string, initialState, metadata json.RawMessage) (Session, error) {
	if initialState == nil {
		initialState = json.RawMessage("{}")
	}
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	if err := validate.Struct(validate.CreateSessionRequest{UserID: userID, Agents: agents}); err != nil {
		return Session{}, err
	}
	agentsJSON, err := json.Marshal(agents)
	if err != nil {
		return Session{}, err
	}
	sess := Session{ID: uuid.New(), UserID: userID, Agents: agents, Status: StatusActive, State: initialState, Metadata: metadata}
	err = s.gw.QueryRow(ctx, "session.create", `
		INSERT INTO sessions (id, user_id, agents, status, state, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING created_at, updated_at
	`, func(row pgx.Row) error {
		return row.Scan(&sess.CreatedAt, &sess.UpdatedAt)
	}, sess.ID, sess.UserID, agentsJSON, sess.Status, sess.State, sess.Metadata)
	if err != nil {
		return Session{}, err
	}
	s.cacheStore(sess)
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	if sess, ok := s.cacheLoad(id); ok {
		return sess, nil
	}
	var sess Session
	var completedAt *time.Time
	var agentsJSON []byte
	err := s.gw.QueryRow(ctx, "session.get", `
		SELECT id, user_id, agents, status, state, metadata, created_at, updated_at, completed_at
		FROM sessions WHERE id = $1
	`, func(row pgx.Row) error {
		return row.Scan(&sess.ID, &sess.UserID, &agentsJSON, &sess.Status, &sess.State, &sess.Metadata, &sess.CreatedAt, &sess.UpdatedAt, &completedAt)
	}, id)
	if err != nil {
		if isNotFound(err) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	if err := json.Unmarshal(agentsJSON, &sess.Agents); err != nil {
		return Session{}, err
	}
	sess.CompletedAt = completedAt
	if sess.Status == StatusActive || sess.Status == StatusPaused {
		s.cacheStore(sess)
	}
	return sess, nil
}

// UpdateState changes the state blob and bumps updated_at. When merge is
// true, patch's top-level keys are shallow-merged into the existing state;
// when false, patch fully replaces it.
func (s *Store) UpdateState(ctx context.Context, id uuid.UUID, patch json.RawMessage, merge bool) (Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}

	next := patch
	if merge {
		next, err = mergeJSON(sess.State, patch)
		if err != nil {
			return Session{}, err
		}
	}

	err = s.gw.QueryRow(ctx, "session.update_state", `
		UPDATE sessions SET state = $2, updated_at = now() WHERE id = $1
		RETURNING updated_at
	`, func(row pgx.Row) error {
		return row.Scan(&sess.UpdatedAt)
	}, id, next)
	if err != nil {
		return Session{}, err
	}
	sess.State = next
	if sess.Status == StatusActive || sess.Status == StatusPaused {
		s.cacheStore(sess)
	}
	return sess, nil
}

func (s *Store) AddTurn(ctx context.Context, t Turn) (Turn, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Metadata == nil {
		t.Metadata = json.RawMessage("{}")
	}
	err := s.gw.QueryRow(ctx, "session.add_turn", `
		INSERT INTO session_turns (id, session_id, agent_id, role, content, processing_ms, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING created_at
	`, func(row pgx.Row) error {
		return row.Scan(&t.CreatedAt)
	}, t.ID, t.SessionID, t.AgentID, t.Kind, t.Content, t.ProcessingMS, t.Metadata)
	if err != nil {
		return Turn{}, err
	}
	_, _ = s.gw.Exec(ctx, "session.touch", `UPDATE sessions SET updated_at = now() WHERE id = $1`, t.SessionID)
	return t, nil
}

func (s *Store) GetHistory(ctx context.Context, sessionID uuid.UUID) ([]Turn, error) {
	var out []Turn
	err := s.gw.Query(ctx, "session.get_history", `
		SELECT id, session_id, agent_id, role, content, processing_ms, metadata, created_at
		FROM session_turns WHERE session_id = $1 ORDER BY created_at ASC
	`, func(rows pgx.Rows) error {
		for rows.Next() {
			var t Turn
			if err := rows.Scan(&t.ID, &t.SessionID, &t.AgentID, &t.Kind, &t.Content, &t.ProcessingMS, &t.Metadata, &t.CreatedAt); err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	}, sessionID)
	return out, err
}

func (s *Store) Pause(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, StatusActive, StatusPaused, false)
}

func (s *Store) Resume(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, StatusPaused, StatusActive, false)
}

// Complete transitions a session to completed. finalState, when non-nil,
// fully replaces the state blob as part of the same update.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, finalState json.RawMessage) error {
	return s.transitionAny(ctx, id, StatusCompleted, finalState, nil)
}

// Fail transitions a session to failed, recording the error in metadata.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	return s.transitionAny(ctx, id, StatusFailed, nil, map[string]any{"error": reason})
}

func (s *Store) transition(ctx context.Context, id uuid.UUID, from, to Status, terminal bool) error {
	affected, err := s.gw.Exec(ctx, "session.transition", `
		UPDATE sessions SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInvalidTransition
	}
	s.afterTransition(id, to, terminal)
	return nil
}

// transitionAny moves a session to a terminal state regardless of its
// current non-terminal status (active or paused can both complete/fail),
// optionally replacing state and merging metadata keys in the same update.
func (s *Store) transitionAny(ctx context.Context, id uuid.UUID, to Status, finalState json.RawMessage, metadataPatch map[string]any) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != StatusActive && sess.Status != StatusPaused {
		return ErrInvalidTransition
	}

	state := sess.State
	if finalState != nil {
		state = finalState
	}
	metadata := sess.Metadata
	if len(metadataPatch) > 0 {
		patchJSON, merr := json.Marshal(metadataPatch)
		if merr != nil {
			return merr
		}
		metadata, err = mergeJSON(sess.Metadata, patchJSON)
		if err != nil {
			return err
		}
	}

	affected, err := s.gw.Exec(ctx, "session.transition_terminal", `
		UPDATE sessions SET status = $2, state = $3, metadata = $4, updated_at = now(), completed_at = now()
		WHERE id = $1 AND status IN ('active', 'paused')
	`, id, to, state, metadata)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInvalidTransition
	}
	s.afterTransition(id, to, true)
	return nil
}

// afterTransition invalidates the read-through cache on terminal
// transitions (completed/failed sessions are never re-read through the
// cache) and refreshes the cached status otherwise.
func (s *Store) afterTransition(id uuid.UUID, to Status, terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if terminal {
		delete(s.cache, id)
		return
	}
	if sess, ok := s.cache[id]; ok {
		sess.Status = to
		s.cache[id] = sess
	}
}

func (s *Store) GetActiveSessionsForUser(ctx context.Context, userID string) ([]Session, error) {
	var out []Session
	err := s.gw.Query(ctx, "session.active_for_user", `
		SELECT id, user_id, agents, status, state, metadata, created_at, updated_at
		FROM sessions WHERE user_id = $1 AND status IN ('active', 'paused')
		ORDER BY updated_at DESC
	`, func(rows pgx.Rows) error {
		for rows.Next() {
			var sess Session
			var agentsJSON []byte
			if err := rows.Scan(&sess.ID, &sess.UserID, &agentsJSON, &sess.Status, &sess.State, &sess.Metadata, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
				return err
			}
			if err := json.Unmarshal(agentsJSON, &sess.Agents); err != nil {
				return err
			}
			out = append(out, sess)
		}
		return nil
	}, userID)
	return out, err
}

// GetMetrics reports turn-level activity for one session. Supplemental
// operation carried over from the fabric's original session manager.
func (s *Store) GetMetrics(ctx context.Context, sessionID uuid.UUID) (Metrics, error) {
	m := Metrics{ByAgent: make(map[string]int64)}
	err := s.gw.Query(ctx, "session.metrics", `
		SELECT agent_id, count(*), COALESCE(avg(processing_ms), 0)
		FROM session_turns WHERE session_id = $1 GROUP BY agent_id
	`, func(rows pgx.Rows) error {
		var totalProcessing float64
		var totalCount int64
		for rows.Next() {
			var agent string
			var count int64
			var avgMS float64
			if err := rows.Scan(&agent, &count, &avgMS); err != nil {
				return err
			}
			m.ByAgent[agent] = count
			totalCount += count
			totalProcessing += avgMS * float64(count)
		}
		m.TurnCount = totalCount
		if totalCount > 0 {
			m.AvgProcessingMS = totalProcessing / float64(totalCount)
		}
		return nil
	}, sessionID)
	return m, err
}

// GetSummaries lists sessions optionally filtered by status and user.
// Supplemental operation carried over from the fabric's original session
// manager (get_session_summaries).
func (s *Store) GetSummaries(ctx context.Context, status Status, userID string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Summary
	err := s.gw.Query(ctx, "session.summaries", `
		SELECT s.id, s.user_id, s.agents, s.status, s.created_at, s.updated_at,
		       (SELECT count(*) FROM session_turns t WHERE t.session_id = s.id)
		FROM sessions s
		WHERE ($1 = '' OR s.status = $1) AND ($2 = '' OR s.user_id = $2)
		ORDER BY s.updated_at DESC
		LIMIT $3
	`, func(rows pgx.Rows) error {
		for rows.Next() {
			var sm Summary
			var agentsJSON []byte
			if err := rows.Scan(&sm.ID, &sm.UserID, &agentsJSON, &sm.Status, &sm.CreatedAt, &sm.UpdatedAt, &sm.TurnCount); err != nil {
				return err
			}
			if err := json.Unmarshal(agentsJSON, &sm.Agents); err != nil {
				return err
			}
			out = append(out, sm)
		}
		return nil
	}, string(status), userID, limit)
	return out, err
}

// SearchByContent finds sessions with at least one turn whose content
// contains substr. This is a plain substring filter, not a query language.
// Supplemental operation carried over from the fabric's original session
// manager (search_sessions_by_content).
func (s *Store) SearchByContent(ctx context.Context, substr string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Summary
	err := s.gw.Query(ctx, "session.search_by_content", `
		SELECT DISTINCT s.id, s.user_id, s.agents, s.status, s.created_at, s.updated_at,
		       (SELECT count(*) FROM session_turns t2 WHERE t2.session_id = s.id)
		FROM sessions s
		JOIN session_turns t ON t.session_id = s.id
		WHERE t.content ILIKE '%' || $1 || '%'
		ORDER BY s.updated_at DESC
		LIMIT $2
	`, func(rows pgx.Rows) error {
		for rows.Next() {
			var sm Summary
			var agentsJSON []byte
			if err := rows.Scan(&sm.ID, &sm.UserID, &agentsJSON, &sm.Status, &sm.CreatedAt, &sm.UpdatedAt, &sm.TurnCount); err != nil {
				return err
			}
			if err := json.Unmarshal(agentsJSON, &sm.Agents); err != nil {
				return err
			}
			out = append(out, sm)
		}
		return nil
	}, substr, limit)
	return out, err
}

// CleanupExpired transitions active/paused sessions whose updated_at
// predates the cutoff to failed, tagging metadata.cleanup_reason=expired.
// It never deletes a row — cleanup is a status transition like any other.
func (s *Store) CleanupExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	affected, err := s.gw.Exec(ctx, "session.cleanup_expired", `
		UPDATE sessions
		SET status = 'failed',
		    metadata = metadata || '{"cleanup_reason": "expired"}'::jsonb,
		    completed_at = now(),
		    updated_at = now()
		WHERE status IN ('active', 'paused')
		  AND updated_at <= now() - make_interval(secs => $1)
	`, int64(maxAge.Seconds()))
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	for id, sess := range s.cache {
		if (sess.Status == StatusActive || sess.Status == StatusPaused) && sess.UpdatedAt.Before(cutoff) {
			delete(s.cache, id)
		}
	}
	s.mu.Unlock()
	return affected, nil
}

func (s *Store) cacheStore(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[sess.ID] = sess
}

func (s *Store) cacheLoad(id uuid.UUID) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.cache[id]
	return sess, ok
}

func isNotFound(err error) bool {
	var se *store.Error
	return errors.As(err, &se) && se.Kind == store.KindNotFound
}

func mergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	var baseMap, patchMap map[string]any
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = make(map[string]any)
	}
	if len(patch) > 0 {
		if err := json.Unmarshal(patch, &patchMap); err != nil {
			return nil, err
		}
	}
	for k, v := range patchMap {
		baseMap[k] = v
	}
	return json.Marshal(baseMap)
}
