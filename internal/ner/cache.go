// Package ner — cache.go
//
// resultCache holds raw inference output keyed by SHA-256(model, chunk), so
// a chunk of text is classified at most once per model across process
// restarts. Two implementations:
//   - memoryCache — map only, used in tests and when no store is wired.
//   - boltCache   — the shared store's ner_cache bucket, used in production.
//
// Values are the marshalled []RawEntity for the chunk. The layer treats an
// unreadable cached value as a miss and refreshes it.
package ner

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"anonamoose/internal/store"
)

// resultCache is the chunk-result cache. Implementations must be safe for
// concurrent use.
type resultCache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string)
	Close() error
}

// cacheKey derives the storage key for one (model, chunk) pair. The NUL
// separator keeps ("ab","c") and ("a","bc") distinct.
func cacheKey(model, chunk string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(chunk))
	return hex.EncodeToString(h.Sum(nil))
}

// --- memoryCache ---------------------------------------------------------

type memoryCache struct {
	mu    sync.RWMutex
	store map[string][]byte
}

func newMemoryCache() resultCache {
	return &memoryCache{store: make(map[string][]byte)}
}

func (c *memoryCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	v, ok := c.store[key]
	c.mu.RUnlock()
	return v, ok
}

func (c *memoryCache) Set(key string, value []byte) {
	c.mu.Lock()
	c.store[key] = append([]byte(nil), value...)
	c.mu.Unlock()
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.store, key)
	c.mu.Unlock()
}

func (c *memoryCache) Close() error { return nil }

// --- boltCache -----------------------------------------------------------

// boltCache persists results in the shared database's ner_cache bucket. The
// store owns the file handle, so Close here is a no-op.
type boltCache struct {
	db  *bolt.DB
	log *zap.Logger
}

func newBoltCache(db *bolt.DB, log *zap.Logger) resultCache {
	return &boltCache{db: db, log: log}
}

func (c *boltCache) Get(key string) ([]byte, bool) {
	var value []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(store.BucketNERCache).Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		c.log.Warn("ner cache read failed", zap.Error(err))
		return nil, false
	}
	return value, value != nil
}

func (c *boltCache) Set(key string, value []byte) {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(store.BucketNERCache).Put([]byte(key), value)
	})
	if err != nil {
		c.log.Warn("ner cache write failed", zap.Error(err))
	}
}

func (c *boltCache) Delete(key string) {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(store.BucketNERCache).Delete([]byte(key))
	})
	if err != nil {
		c.log.Warn("ner cache delete failed", zap.Error(err))
	}
}

func (c *boltCache) Close() error { return nil }
