package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a key-value buffer partitioned by owner. Put overwrites.
type Store interface {
	Get(ctx context.Context, owner, key string) ([]byte, bool, error)
	Put(ctx context.Context, owner, key string, value []byte) error
	Delete(ctx context.Context, owner, key string) error
}

// SQLStore keeps staged records in SQLite so they survive a restart between
// two page loads.
type SQLStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLStore opens (or creates) the staging database at dbPath. Records
// older than ttl are ignored and removed by Cleanup; ttl <= 0 keeps them forever.
func NewSQLStore(dbPath string, ttl time.Duration) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}
	s := &SQLStore{db: db, ttl: ttl}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS staged (
		owner TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (owner, key)
	);`)
	return err
}

// Get returns the value stored under owner/key.
func (s *SQLStore) Get(ctx context.Context, owner, key string) ([]byte, bool, error) {
	var (
		value     []byte
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM staged WHERE owner = ? AND key = ?`, owner, key,
	).Scan(&value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if s.ttl > 0 && time.Since(updatedAt) > s.ttl {
		_ = s.Delete(ctx, owner, key)
		return nil, false, nil
	}
	return value, true, nil
}

// Put stores value under owner/key, replacing any previous value.
func (s *SQLStore) Put(ctx context.Context, owner, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO staged (owner, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(owner, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		owner, key, value, time.Now(),
	)
	return err
}

// Delete removes owner/key. Deleting a missing key is not an error.
func (s *SQLStore) Delete(ctx context.Context, owner, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM staged WHERE owner = ? AND key = ?`, owner, key)
	return err
}

// Cleanup removes all records older than the store's TTL and returns how
// many were removed.
func (s *SQLStore) Cleanup(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM staged WHERE updated_at < ?`, time.Now().Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, owner, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[owner][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, owner, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[owner] == nil {
		m.data[owner] = make(map[string][]byte)
	}
	m.data[owner][key] = append([]byte(nil), value...)
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, owner, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[owner], key)
	return nil
}
