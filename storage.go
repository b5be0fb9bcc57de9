package letti

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// TranscriptStore persists chat transcripts per (user, room) so a reopened
// room shows history before the server backfills it. It is a convenience
// cache, not a source of truth; the server transcript always wins.
type TranscriptStore interface {
	Load(userID, room string) ([]ChatMessage, error)
	Save(userID, room string, messages []ChatMessage) error
}

// ============================================================================
// Memory store
// ============================================================================

// MemoryStore keeps transcripts in process memory. Useful for tests and for
// apps that only want within-session continuity.
type MemoryStore struct {
	mu    sync.Mutex
	cache map[string][]ChatMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: make(map[string][]ChatMessage)}
}

func storeKey(userID, room string) string {
	return userID + "|" + room
}

func (s *MemoryStore) Load(userID, room string) ([]ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.cache[storeKey(userID, room)]
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) Save(userID, room string, messages []ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, len(messages))
	copy(out, messages)
	s.cache[storeKey(userID, room)] = out
	return nil
}

// ============================================================================
// SQLite store
// ============================================================================

// SQLiteStore persists transcripts in a local SQLite database. Each (user,
// room) pair holds one JSON transcript row, replaced wholesale on save.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the transcript database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS transcripts (
			user_id    TEXT NOT NULL,
			room       TEXT NOT NULL,
			messages   TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, room)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create transcripts table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(userID, room string) ([]ChatMessage, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT messages FROM transcripts WHERE user_id = ? AND room = ?`,
		userID, room,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	var msgs []ChatMessage
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) Save(userID, room string, messages []ChatMessage) error {
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO transcripts (user_id, room, messages, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, room) DO UPDATE SET
			messages = excluded.messages,
			updated_at = CURRENT_TIMESTAMP
	`, userID, room, string(raw))
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
