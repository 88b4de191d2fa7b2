package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists conversations so a restart within the expiry
// window keeps the thread. Safe for concurrent use.
//
// Gateway sessions are not persisted: they belong to the process that
// negotiated them, so a loaded State always starts with a zero Session
// and the first call after a restart performs the handshake.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		user_id          TEXT PRIMARY KEY,
		history          TEXT NOT NULL,
		gateway_session  TEXT NOT NULL DEFAULT '{}', -- unused, kept for older databases
		last_interaction TEXT NOT NULL DEFAULT '',
		updated_at       TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, userID string) (*State, error) {
	var history, last string
	err := s.db.QueryRowContext(ctx,
		`SELECT history, last_interaction FROM conversations WHERE user_id = ?`,
		userID,
	).Scan(&history, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return &State{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", userID, err)
	}

	st := &State{UserID: userID}
	if err := json.Unmarshal([]byte(history), &st.History); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", userID, err)
	}
	if last != "" {
		t, err := time.Parse(time.RFC3339Nano, last)
		if err != nil {
			return nil, fmt.Errorf("decode last_interaction for %s: %w", userID, err)
		}
		st.LastInteraction = t
	}
	return st, nil
}

func (s *SQLiteStore) Save(ctx context.Context, state *State) error {
	history, err := json.Marshal(state.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if state.History == nil {
		history = []byte("[]")
	}
	var last string
	if !state.LastInteraction.IsZero() {
		last = state.LastInteraction.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, history, last_interaction, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE
		 SET history = excluded.history,
		     last_interaction = excluded.last_interaction,
		     updated_at = excluded.updated_at`,
		state.UserID, string(history), last, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", state.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) Reset(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("reset %s: %w", userID, err)
	}
	return nil
}
