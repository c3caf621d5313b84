// Package cachedb persists the reverse-streaming cache engine's finished
// downloads as rows in a SQLite table, so a restart of the process does not
// forget which keys are already fully cached on disk.
package cachedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/arung-agamani/reversecache/internal/reverse"
)

// Entry is one row of the cache table: a content-addressed key and the
// remote metadata the engine learned about it.
type Entry struct {
	Key           string
	CacheType     reverse.CacheType
	ContentType   string
	ContentLength uint64
}

// Store is a SQLite-backed reverse.CacheStore. The zero value is not usable;
// construct one with Open.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key            TEXT PRIMARY KEY,
	cache_type     INTEGER NOT NULL,
	content_type   TEXT NOT NULL,
	content_length INTEGER NOT NULL,
	finished_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Open opens (creating if necessary) a SQLite database at path and ensures
// the cache_entries table exists.
func Open(path string) (*Store, error) {
	u := url.URL{
		Scheme: "file",
		Opaque: path,
		RawQuery: url.Values{
			"_pragma": {"journal_mode(WAL)", "foreign_keys(1)"},
		}.Encode(),
	}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, fmt.Errorf("cachedb: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cachedb: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cachedb: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// PutEntry records (or re-records) that key has finished downloading.
// Implements reverse.CacheStore.
func (s *Store) PutEntry(ctx context.Context, key string, cacheType reverse.CacheType, info reverse.RemoteFileInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, cache_type, content_type, content_length)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			cache_type = excluded.cache_type,
			content_type = excluded.content_type,
			content_length = excluded.content_length,
			finished_at = CURRENT_TIMESTAMP
	`, key, int(cacheType), info.ContentType, info.Full())
	if err != nil {
		return fmt.Errorf("cachedb: put entry %q: %w", key, err)
	}
	return nil
}

// Lookup implements reverse.CacheStore's read side for the engine's
// QueryingFileInfo cache-row check. It translates a miss into
// reverse.ErrCacheMiss so internal/reverse never needs this package's own
// sentinel.
func (s *Store) Lookup(ctx context.Context, key string) (reverse.RemoteFileInfo, error) {
	e, err := s.GetEntry(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return reverse.RemoteFileInfo{}, reverse.ErrCacheMiss
		}
		return reverse.RemoteFileInfo{}, err
	}
	return reverse.RemoteFileInfo{ContentType: e.ContentType, ContentLength: e.ContentLength}, nil
}

// ErrNotFound is returned by GetEntry when no row matches key.
var ErrNotFound = errors.New("cachedb: entry not found")

// GetEntry looks up a previously finished download by key.
func (s *Store) GetEntry(ctx context.Context, key string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, cache_type, content_type, content_length
		FROM cache_entries WHERE key = ?
	`, key)

	var e Entry
	var cacheType int
	if err := row.Scan(&e.Key, &cacheType, &e.ContentType, &e.ContentLength); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("cachedb: get entry %q: %w", key, err)
	}
	e.CacheType = reverse.CacheType(cacheType)
	return e, nil
}

// Count returns the number of finished entries, for the admin plane.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cachedb: count: %w", err)
	}
	return n, nil
}
