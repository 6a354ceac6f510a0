package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/teleward/teleward/internal/store"
)

// DB implements store.Store on SQLite (modernc.org/sqlite driver,
// CGO-free). DSN is a filesystem path; use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path and ensures the schema.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	d.SetMaxOpenConns(1)
	d.SetMaxIdleConns(1)
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	_, _ = d.Exec("PRAGMA journal_mode = WAL")
	_, _ = d.Exec("PRAGMA synchronous = NORMAL")

	s := &DB{db: d}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_state(
			session_id TEXT NOT NULL,
			state_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			last_updated INTEGER NOT NULL,
			session_ended INTEGER NULL,
			end_reason TEXT NULL,
			PRIMARY KEY(session_id, state_type)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_state_type ON session_state(state_type, last_updated);`,
		`CREATE INDEX IF NOT EXISTS idx_session_state_ended ON session_state(session_ended);`,
		`CREATE TABLE IF NOT EXISTS source_counters(
			source_id INTEGER NOT NULL,
			day TEXT NOT NULL,
			kind TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY(source_id, day, kind)
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *DB) sessionEnded(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_state WHERE session_id = ? AND session_ended IS NOT NULL`,
		sessionID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *DB) SaveState(ctx context.Context, sessionID, stateType string, payload any, force bool) error {
	if !force {
		ended, err := s.sessionEnded(ctx, sessionID)
		if err != nil {
			return err
		}
		if ended {
			return store.ErrSessionEnded
		}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	// A forced write into an ended session inherits the end marker so the
	// session never flips back to looking active.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_state(session_id, state_type, payload, last_updated, session_ended, end_reason)
		VALUES(?, ?, ?, ?,
			(SELECT session_ended FROM session_state WHERE session_id = ? AND session_ended IS NOT NULL LIMIT 1),
			(SELECT end_reason FROM session_state WHERE session_id = ? AND session_ended IS NOT NULL LIMIT 1))
		ON CONFLICT(session_id, state_type) DO UPDATE SET
			payload=excluded.payload,
			last_updated=excluded.last_updated;`,
		sessionID, stateType, string(b), now, sessionID, sessionID)
	return err
}

func (s *DB) LoadState(ctx context.Context, sessionID, stateType string, out any) (bool, error) {
	queries := []struct {
		q    string
		args []any
	}{
		// Exact session first.
		{`SELECT payload FROM session_state WHERE session_id = ? AND state_type = ?`,
			[]any{sessionID, stateType}},
		// Then the freshest record among sessions without an end marker;
		// this is what resumes a crashed-but-unmarked session.
		{`SELECT payload FROM session_state WHERE state_type = ? AND session_ended IS NULL
			ORDER BY last_updated DESC LIMIT 1`,
			[]any{stateType}},
		// Last resort: anything in history.
		{`SELECT payload FROM session_state WHERE state_type = ?
			ORDER BY last_updated DESC LIMIT 1`,
			[]any{stateType}},
	}
	for _, t := range queries {
		var raw string
		err := s.db.QueryRowContext(ctx, t.q, t.args...).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, err
		}
		return true, json.Unmarshal([]byte(raw), out)
	}
	return false, nil
}

func (s *DB) MarkSessionEnded(ctx context.Context, sessionID string, reason store.EndReason) error {
	var total, marked int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN session_ended IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM session_state WHERE session_id = ?`, sessionID).Scan(&total, &marked)
	if err != nil {
		return err
	}
	if marked > 0 {
		// Already ended; marking again is a no-op success.
		return nil
	}
	now := time.Now().UnixMilli()
	if total == 0 {
		// No state was ever written; leave a marker row so the end reason
		// stays discoverable by the next boot's resume decision.
		b, _ := json.Marshal(store.SessionMarker{Reason: reason})
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO session_state(session_id, state_type, payload, last_updated, session_ended, end_reason)
			VALUES(?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, state_type) DO NOTHING;`,
			sessionID, store.StateSessionMarker, string(b), now, now, string(reason))
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE session_state SET session_ended = ?, end_reason = ?
		WHERE session_id = ? AND session_ended IS NULL`,
		now, string(reason), sessionID)
	return err
}

func (s *DB) ListSessions(ctx context.Context) ([]store.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id,
			MAX(last_updated),
			GROUP_CONCAT(DISTINCT state_type),
			COALESCE(MAX(session_ended), 0),
			COALESCE(MAX(end_reason), '')
		FROM session_state
		GROUP BY session_id
		ORDER BY MAX(last_updated) DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []store.SessionSummary
	for rows.Next() {
		var (
			id      string
			lastMS  int64
			types   string
			endedMS int64
			reason  string
			summary store.SessionSummary
		)
		if err := rows.Scan(&id, &lastMS, &types, &endedMS, &reason); err != nil {
			return nil, err
		}
		summary.ID = id
		summary.LastActivity = time.UnixMilli(lastMS).UTC()
		if types != "" {
			summary.StateTypes = strings.Split(types, ",")
		}
		if endedMS > 0 {
			summary.Ended = true
			summary.EndedAt = time.UnixMilli(endedMS).UTC()
			summary.EndReason = store.EndReason(reason)
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

func (s *DB) CleanupOldSessions(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	if len(sessions) <= keep {
		return 0, nil
	}
	doomed := sessions[keep:]
	placeholders := make([]string, len(doomed))
	args := make([]any, len(doomed))
	for i, sess := range doomed {
		placeholders[i] = "?"
		args[i] = sess.ID
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM session_state WHERE session_id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return 0, err
	}
	return len(doomed), nil
}

func (s *DB) IncrCounter(ctx context.Context, sourceID int64, day string, kind store.CounterKind) (int, error) {
	now := time.Now().UnixMilli()
	var n int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO source_counters(source_id, day, kind, count, updated_at)
		VALUES(?, ?, ?, 1, ?)
		ON CONFLICT(source_id, day, kind) DO UPDATE SET
			count = count + 1,
			updated_at = excluded.updated_at
		RETURNING count;`,
		sourceID, day, string(kind), now).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *DB) GetCounter(ctx context.Context, sourceID int64, day string, kind store.CounterKind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM source_counters WHERE source_id = ? AND day = ? AND kind = ?`,
		sourceID, day, string(kind)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		// No row for the day means the counter has not started yet.
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *DB) ResetCounters(ctx context.Context, day string, kind store.CounterKind) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM source_counters WHERE day = ? AND kind = ?`,
		day, string(kind))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
