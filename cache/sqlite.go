package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteProvider stores all stores in one SQLite database.
// Payloads are saved in their HTTP/1.1 representation.
type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider creates a new provider with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteProvider(filename string) (SQLiteProvider, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteProvider{}, fmt.Errorf("open sqlite db: %w", err)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			size INTEGER NOT NULL,
			bytes BLOB,
			PRIMARY KEY (store, key)
		)`,
		"CREATE INDEX IF NOT EXISTS stored_at_idx ON entries (store, stored_at)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return SQLiteProvider{}, fmt.Errorf("init sqlite db: %w", err)
		}
	}
	return SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Close closes the underlying database.
func (s SQLiteProvider) Close() error {
	return s.db.Close()
}

func (s SQLiteProvider) Open(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO stores (name) VALUES (?)", name)
	return err
}

func (s SQLiteProvider) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteProvider) DeleteAll(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE store = ?", name); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec("DELETE FROM stores WHERE name = ?", name); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s SQLiteProvider) Get(name, key string) (Entry, bool, error) {
	var storedAt int64
	var size int
	var bytes []byte
	err := s.db.QueryRow(
		"SELECT stored_at, size, bytes FROM entries WHERE store = ? AND key = ?",
		name, key,
	).Scan(&storedAt, &size, &bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	res, err := serializer.BytesToResponse(bytes)
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	payload, err := PayloadFromResponse(res)
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return Entry{
		Key:      key,
		StoredAt: time.Unix(0, storedAt),
		Payload:  payload,
		Size:     size,
	}, true, nil
}

func (s SQLiteProvider) Put(name string, entry Entry) error {
	bytes, err := serializer.ResponseToBytes(entry.Payload.Response())
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", entry.Key, err)
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT OR IGNORE INTO stores (name) VALUES (?)", name); err != nil {
		_ = tx.Rollback()
		return err
	}
	// replacing deletes the old row, so the new row gets the highest rowid
	if _, err := tx.Exec(`INSERT OR REPLACE INTO entries
		(store, key, stored_at, size, bytes) VALUES (?, ?, ?, ?, ?)`,
		name, entry.Key, entry.StoredAt.UnixNano(), entry.Size, bytes); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s SQLiteProvider) Delete(name, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE store = ? AND key = ?", name, key)
	return err
}

func (s SQLiteProvider) Keys(name string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT key FROM entries WHERE store = ? ORDER BY stored_at ASC, rowid ASC",
		name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

var _ Provider = SQLiteProvider{}
