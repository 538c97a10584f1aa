// Package persist owns durable local storage for a device and the load-time
// gate that decides whether stored state is used at all.
package persist

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/bedudley/swatch-it/internal/game"
	"github.com/bedudley/swatch-it/internal/pack"
)

const stateKey = "swatch-it-game-state"

const schema = `
CREATE TABLE IF NOT EXISTS game_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SessionRecord captures the sync role a device last played, so a client
// can try to resume its room after a reload.
type SessionRecord struct {
	Mode            game.Mode `json:"multiDeviceMode"`
	RoomID          string    `json:"hostRoomId,omitempty"`
	LastConnectedAt time.Time `json:"lastConnectedAt,omitempty"`
}

// Record is the single persisted state record. Absence of the record means
// first run.
type Record struct {
	Teams   []game.Team     `json:"teams"`
	Pack    *pack.Pack      `json:"pack"`
	Opened  map[string]bool `json:"opened"`
	Session SessionRecord   `json:"session"`
}

// Store is the sqlite-backed key-value store holding the one state record.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes the state record, replacing any previous one.
func (s *Store) Save(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode state record: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO game_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		stateKey, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save state record: %w", err)
	}
	return nil
}

// Load reads the state record. The second return is false on first run.
func (s *Store) Load() (Record, bool, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM game_state WHERE key = ?`, stateKey)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to load state record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return Record{}, false, fmt.Errorf("failed to decode state record: %w", err)
	}
	return rec, true, nil
}

// Clear removes the state record entirely.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM game_state WHERE key = ?`, stateKey); err != nil {
		return fmt.Errorf("failed to clear state record: %w", err)
	}
	return nil
}
