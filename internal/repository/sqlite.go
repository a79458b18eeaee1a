// Package repository persists session identity and archived turns.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/vanky2viva/omni-assistant/internal/domain"
)

// SQLiteStore keeps the key-value slot and the turn archive in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			thinking TEXT,
			decision TEXT,
			usage TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return errors.Wrapf(err, "migration failed:\n%s", m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "database ping failed")
}

// LoadSessionID returns the id stored under key, or "" when none is stored.
func (s *SQLiteStore) LoadSessionID(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE name = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to load key %q", key)
	}
	return value, nil
}

// SaveSessionID stores id under key, replacing any previous value.
func (s *SQLiteStore) SaveSessionID(ctx context.Context, key, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, id, time.Now())
	return errors.Wrapf(err, "failed to save key %q", key)
}

// SaveExchange archives the user and assistant turns of ex. Turns already
// archived are left untouched.
func (s *SQLiteStore) SaveExchange(ctx context.Context, ex domain.Exchange) error {
	if ex.SessionID == "" {
		return errors.New("exchange has no session id")
	}

	var decision []byte
	if ex.Assistant.Decision != nil {
		var err error
		if decision, err = json.Marshal(ex.Assistant.Decision); err != nil {
			return errors.Wrap(err, "failed to marshal decision")
		}
	}
	var usage []byte
	if ex.Usage != nil {
		var err error
		if usage, err = json.Marshal(ex.Usage); err != nil {
			return errors.Wrap(err, "failed to marshal usage")
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	const insert = `INSERT OR IGNORE INTO turns (turn_id, session_id, role, content, thinking, decision, usage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert,
		ex.User.ID, ex.SessionID, ex.User.Role, ex.User.Content, nullString(""), nullString(""), nullString(""), ex.User.CreatedAt); err != nil {
		return errors.Wrap(err, "failed to archive user turn")
	}
	if _, err := tx.ExecContext(ctx, insert,
		ex.Assistant.ID, ex.SessionID, ex.Assistant.Role, ex.Assistant.Content,
		nullString(ex.Assistant.Thinking), nullStringBytes(decision), nullStringBytes(usage), ex.Assistant.CreatedAt); err != nil {
		return errors.Wrap(err, "failed to archive assistant turn")
	}
	return errors.Wrap(tx.Commit(), "failed to commit exchange")
}

// ListTurns returns up to limit archived turns of a session in conversation
// order. When before is a known turn id only older turns are returned.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string, limit int, before string) ([]domain.ArchivedTurn, error) {
	query := `SELECT turn_id, session_id, role, content, thinking, decision, usage, created_at FROM turns WHERE session_id = ?`
	args := []interface{}{sessionID}

	if before != "" {
		query += ` AND seq < (SELECT seq FROM turns WHERE turn_id = ?)`
		args = append(args, before)
	}

	// Newest first so the limit keeps the most recent page, reversed below.
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query turns")
	}
	defer rows.Close()

	turns := []domain.ArchivedTurn{}
	for rows.Next() {
		var t domain.ArchivedTurn
		var thinking, decision, usage sql.NullString
		if err := rows.Scan(&t.TurnID, &t.SessionID, &t.Role, &t.Content, &thinking, &decision, &usage, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan turn")
		}
		if thinking.Valid {
			t.Thinking = thinking.String
		}
		if decision.Valid {
			t.Decision = json.RawMessage(decision.String)
		}
		if usage.Valid {
			var u domain.Usage
			if err := json.Unmarshal([]byte(usage.String), &u); err != nil {
				return nil, errors.Wrapf(err, "invalid usage for turn %s", t.TurnID)
			}
			t.Usage = &u
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
