// Package store owns the embedded bbolt database: session token maps,
// durable settings, dictionary rows and the NER result cache all live in
// one file under four buckets.
//
// bbolt gives single-writer transactional semantics, which is exactly the
// per-session serialization the rehydration store needs: a merge is a
// read-modify-write inside one Update transaction, so concurrent redactions
// for the same session cannot lose bindings.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	// ErrNotFound reports an absent (or expired) session or setting.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput reports a malformed session id, an out-of-range TTL
	// or an unrecognized settings key/value.
	ErrInvalidInput = errors.New("invalid input")
)

// Bucket names. The dictionary and NER packages operate on their buckets
// directly through DB(); Open guarantees all four exist.
var (
	bucketSessions = []byte("sessions")
	bucketSettings = []byte("settings")
	BucketDict     = []byte("dictionary")
	BucketNERCache = []byte("ner_cache")
)

// Store wraps the bbolt database and the session/settings operations.
type Store struct {
	db   *bolt.DB
	path string
	log  *zap.Logger

	now func() time.Time // swapped in tests
}

// Open opens (creating if needed) the database at path and ensures all
// buckets exist. The parent directory is created when absent.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketSettings, BucketDict, BucketNERCache} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db, path: path, log: log, now: time.Now}, nil
}

// DB exposes the underlying handle for packages that own their own bucket
// (dictionary rows, NER cache).
func (s *Store) DB() *bolt.DB { return s.db }

// Close flushes and closes the database file.
func (s *Store) Close() error { return s.db.Close() }

// StorageStats is the shape served by the /storage management endpoint.
type StorageStats struct {
	Path          string         `json:"path"`
	FileSizeBytes int64          `json:"fileSizeBytes"`
	Buckets       map[string]int `json:"buckets"`
}

// Stats reports the database file size and per-bucket key counts.
func (s *Store) Stats() (StorageStats, error) {
	st := StorageStats{Path: s.path, Buckets: make(map[string]int)}
	if fi, err := os.Stat(s.path); err == nil {
		st.FileSizeBytes = fi.Size()
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketSettings, BucketDict, BucketNERCache} {
			if b := tx.Bucket(name); b != nil {
				st.Buckets[string(name)] = b.Stats().KeyN
			}
		}
		return nil
	})
	return st, err
}
