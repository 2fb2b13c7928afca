// Package store provides the typed client for the persistent key-value
// store. Values are opaque byte payloads keyed by name; writers are
// serialized by sqlite, and subscribers receive change notifications after
// a write has committed.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/devils-eye/screenshot-ocr/internal/logging"
)

// Well-known store keys.
const (
	KeyOCRData            = "ocrData"
	KeyAPIKey             = "apiKey"
	KeyGeminiAPIKey       = "geminiApiKey"
	KeyAutoGenerateTitles = "autoGenerateTitles"
	KeyDarkTheme          = "darkTheme"
)

// Change describes one committed write to a key.
type Change struct {
	Key   string
	Value []byte
}

// Store is a sqlite-backed key-value store with change subscription.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	watchers map[string][]chan Change
}

// Open opens (creating if necessary) the store database under dataDir.
// The database is opened with WAL mode and a single writer connection.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "screenshot-ocr.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	return &Store{
		db:       db,
		watchers: make(map[string][]chan Change),
	}, nil
}

// Get returns the value stored under key. The second return reports whether
// the key exists.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return value, true, nil
}

// Set writes value under key. Watchers are notified only after the write
// has committed, so a subscriber never observes a value readers cannot see.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}

	s.notify(Change{Key: key, Value: value})
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	s.notify(Change{Key: key, Value: nil})
	return nil
}

// GetJSON reads key and unmarshals it into v. Returns false without touching
// v when the key is absent.
func (s *Store) GetJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("failed to decode key %q: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and writes it under key.
func (s *Store) SetJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode key %q: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// Watch subscribes to committed writes on key. The returned channel is
// buffered; a subscriber that falls behind loses intermediate changes rather
// than blocking writers.
func (s *Store) Watch(key string) <-chan Change {
	ch := make(chan Change, 8)
	s.mu.Lock()
	s.watchers[key] = append(s.watchers[key], ch)
	s.mu.Unlock()
	return ch
}

// Unwatch removes a subscription previously returned by Watch and closes it.
func (s *Store) Unwatch(key string, ch <-chan Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.watchers[key]
	for i, sub := range subs {
		if sub == ch {
			s.watchers[key] = append(subs[:i], subs[i+1:]...)
			close(sub)
			return
		}
	}
}

func (s *Store) notify(change Change) {
	s.mu.Lock()
	subs := append([]chan Change(nil), s.watchers[change.Key]...)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- change:
		default:
			// Subscriber buffer full; drop rather than block the writer.
			logging.Debug("store change dropped, subscriber busy", map[string]interface{}{
				"key": change.Key,
			})
		}
	}
}

// Close closes the database and all watcher channels.
func (s *Store) Close() error {
	s.mu.Lock()
	for key, subs := range s.watchers {
		for _, ch := range subs {
			close(ch)
		}
		delete(s.watchers, key)
	}
	s.mu.Unlock()
	return s.db.Close()
}
