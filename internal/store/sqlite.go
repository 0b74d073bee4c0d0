// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/loom-gateway/internal/fault"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db          *sql.DB
	locks       *sessionLocks
	maxSessions int // 0 or less means no ceiling
	logger      *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. maxSessions caps how many
// sessions Create will accept; zero or less disables the ceiling.
func NewSQLiteStore(path string, maxSessions int) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys so deleting a session cascades to its messages
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:          db,
		locks:       newSessionLocks(),
		maxSessions: maxSessions,
		logger:      logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "max_sessions", maxSessions)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
			CHECK (role IN ('system', 'user', 'assistant'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_id
			ON messages(session_id);

		CREATE INDEX IF NOT EXISTS idx_sessions_updated_at
			ON sessions(updated_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Create persists a new session, seeding a system message when systemPrompt
// is non-empty. An empty id generates a fresh UUID. The ceiling check and the
// insert happen in one statement so concurrent creates cannot overshoot.
func (s *SQLiteStore) Create(ctx context.Context, id, systemPrompt string) (string, error) {
	if id == "" {
		id = uuid.New().String()
	}

	unlock := s.locks.lock(id)
	defer unlock()

	now := time.Now().UTC()
	ts := now.Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if s.maxSessions > 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, created_at, updated_at)
			 SELECT ?, ?, ? WHERE (SELECT COUNT(*) FROM sessions) < ?`,
			id, ts, ts, s.maxSessions)
	} else {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)`,
			id, ts, ts)
	}
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return "", ErrExists
		}
		return "", fmt.Errorf("inserting session: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", fault.Exhaustedf("session ceiling reached (%d)", s.maxSessions)
	}

	if systemPrompt != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			id, string(RoleSystem), systemPrompt, ts)
		if err != nil {
			return "", fmt.Errorf("seeding system message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing session: %w", err)
	}

	s.logger.Debug("session created", "session_id", id, "seeded_system", systemPrompt != "")
	return id, nil
}

// Ensure resolves an existing session or creates it. A concurrent create of
// the same id is not an error; whichever insert won, the session exists.
func (s *SQLiteStore) Ensure(ctx context.Context, id, systemPrompt string) (string, bool, error) {
	if id == "" {
		created, err := s.Create(ctx, "", systemPrompt)
		return created, err == nil, err
	}

	ok, err := s.exists(ctx, id)
	if err != nil {
		return "", false, err
	}
	if ok {
		return id, false, nil
	}

	if _, err := s.Create(ctx, id, systemPrompt); err != nil {
		if errors.Is(err, ErrExists) {
			return id, false, nil
		}
		return "", false, err
	}
	return id, true, nil
}

// Append atomically adds a message and bumps the session's activity timestamp.
func (s *SQLiteStore) Append(ctx context.Context, id string, msg Message) error {
	unlock := s.locks.lock(id)
	defer unlock()

	now := time.Now().UTC()
	created := msg.CreatedAt
	if created.IsZero() {
		created = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := existsTx(ctx, tx, id); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		id, string(msg.Role), msg.Content, created.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		now.Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating session activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing append: %w", err)
	}

	s.logger.Debug("message appended", "session_id", id, "role", msg.Role)
	return nil
}

// History returns the full ordered message history for a session.
func (s *SQLiteStore) History(ctx context.Context, id string) ([]Message, error) {
	if err := s.mustExist(ctx, id); err != nil {
		return nil, err
	}
	return s.loadMessages(ctx, id)
}

// PrunedContext returns the leading system message (when present) plus the
// last limit non-system messages, in original order. The persisted history
// is never mutated.
func (s *SQLiteStore) PrunedContext(ctx context.Context, id string, limit int) ([]Message, error) {
	if limit < 1 {
		return nil, fault.Validationf("prune limit must be positive, got %d", limit)
	}

	history, err := s.History(ctx, id)
	if err != nil {
		return nil, err
	}

	var system *Message
	if len(history) > 0 && history[0].Role == RoleSystem {
		system = &history[0]
	}

	var rest []Message
	for i := range history {
		if history[i].Role != RoleSystem {
			rest = append(rest, history[i])
		}
	}
	if len(rest) > limit {
		rest = rest[len(rest)-limit:]
	}

	pruned := make([]Message, 0, len(rest)+1)
	if system != nil {
		pruned = append(pruned, *system)
	}
	pruned = append(pruned, rest...)
	return pruned, nil
}

// Rollback removes the last count non-system messages from a session.
func (s *SQLiteStore) Rollback(ctx context.Context, id string, count int) error {
	if count < 1 {
		return fault.Validationf("rollback count must be positive, got %d", count)
	}

	unlock := s.locks.lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := existsTx(ctx, tx, id); err != nil {
		return err
	}

	var available int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ? AND role != 'system'`,
		id).Scan(&available)
	if err != nil {
		return fmt.Errorf("counting messages: %w", err)
	}
	if count > available {
		return fault.Validationf("cannot roll back %d messages, only %d available", count, available)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM messages WHERE id IN (
			SELECT id FROM messages
			WHERE session_id = ? AND role != 'system'
			ORDER BY id DESC LIMIT ?
		)`, id, count)
	if err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating session activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rollback: %w", err)
	}

	s.logger.Debug("rolled back messages", "session_id", id, "count", count)
	return nil
}

// Delete removes a session and, via the cascade, its messages. A second
// delete of the same id reports NotFound without side effects.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading delete result: %w", err)
	}
	if n == 0 {
		return fault.NotFoundf("session %s not found", id)
	}

	s.logger.Debug("session deleted", "session_id", id)
	return nil
}

// ListIDs enumerates session ids, oldest first.
func (s *SQLiteStore) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return ids, nil
}

// GetSession returns session metadata.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var createdStr, updatedStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM sessions WHERE id = ?`, id).
		Scan(&createdStr, &updatedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	sess := &Session{ID: id}
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339, updatedStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return sess, nil
}

// Count reports how many sessions exist.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return n, nil
}

// SweepExpired deletes sessions whose last activity predates now-ttl.
func (s *SQLiteStore) SweepExpired(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-ttl).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading sweep result: %w", err)
	}

	if n > 0 {
		s.logger.Info("swept idle sessions", "count", n, "ttl", ttl)
	}
	return int(n), nil
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// loadMessages reads a session's messages in insertion order.
func (s *SQLiteStore) loadMessages(ctx context.Context, id string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM messages WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		var role, createdStr string
		if err := rows.Scan(&role, &m.Content, &createdStr); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = Role(role)
		if m.CreatedAt, err = time.Parse(time.RFC3339, createdStr); err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}

// exists reports whether a session row is present.
func (s *SQLiteStore) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking session: %w", err)
	}
	return true, nil
}

// mustExist returns NotFound when the session is absent.
func (s *SQLiteStore) mustExist(ctx context.Context, id string) error {
	ok, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fault.NotFoundf("session %s not found", id)
	}
	return nil
}

// existsTx is mustExist inside a transaction.
func existsTx(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.NotFoundf("session %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("checking session: %w", err)
	}
	return nil
}
