// Package store — sessions.go
//
// The rehydration store: sessionId → Session rows, each a JSON blob holding
// the ordered token bindings. Originals are deduplicated case-insensitively
// across every write to a session; placeholders are never re-minted for a
// value the session already holds.
package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"anonamoose/internal/pii"
)

const (
	// DefaultTTL applies when a write does not specify a lifetime.
	DefaultTTL = time.Hour
	// MaxTTL is the largest lifetime the administrative surface accepts.
	MaxTTL = 86400 * time.Second
)

// sessionIDRe is the canonical shape: 36 chars, lowercase hex, four hyphens.
var sessionIDRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ValidSessionID reports whether id matches the canonical UUID shape.
func ValidSessionID(id string) bool { return sessionIDRe.MatchString(id) }

// NewSessionID mints a fresh lowercase UUIDv4.
func NewSessionID() string { return uuid.NewString() }

// Session is one rehydration unit.
type Session struct {
	SessionID      string             `json:"sessionId"`
	Tokens         []pii.TokenBinding `json:"tokens"`
	CreatedAt      time.Time          `json:"createdAt"`
	ExpiresAt      time.Time          `json:"expiresAt"`
	LastAccessedAt time.Time          `json:"lastAccessedAt"`
}

// StoreTokens merges bindings into the session, creating it when absent.
// Bindings whose original already exists in the session (case-insensitive)
// are dropped. The expiry is pushed out to now+ttl; ttl <= 0 selects the
// default. A malformed session id or an over-limit ttl is ErrInvalidInput.
func (s *Store) StoreTokens(sessionID string, bindings []pii.TokenBinding, ttl time.Duration) error {
	if !ValidSessionID(sessionID) {
		return fmt.Errorf("%w: session id must be a lowercase uuid", ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		return fmt.Errorf("%w: ttl exceeds maximum of %d seconds", ErrInvalidInput, int(MaxTTL.Seconds()))
	}
	now := s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		sess := Session{SessionID: sessionID, CreatedAt: now}
		if raw := b.Get([]byte(sessionID)); raw != nil {
			if err := json.Unmarshal(raw, &sess); err != nil {
				return fmt.Errorf("decode session %s: %w", sessionID, err)
			}
		}
		seen := make(map[string]bool, len(sess.Tokens))
		for _, tb := range sess.Tokens {
			seen[strings.ToLower(tb.Original)] = true
		}
		for _, nb := range bindings {
			key := strings.ToLower(nb.Original)
			if nb.Original == "" || seen[key] {
				continue
			}
			seen[key] = true
			sess.Tokens = append(sess.Tokens, nb)
		}
		sess.ExpiresAt = now.Add(ttl)
		sess.LastAccessedAt = now
		raw, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return b.Put([]byte(sessionID), raw)
	})
}

// Retrieve returns the session iff it exists and has not expired. A
// malformed id reads as absent rather than invalid.
func (s *Store) Retrieve(sessionID string) (*Session, error) {
	if !ValidSessionID(sessionID) {
		return nil, fmt.Errorf("%w: session %q", ErrNotFound, sessionID)
	}
	var sess Session
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSessions).Get([]byte(sessionID))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &sess); err != nil {
			return fmt.Errorf("decode session %s: %w", sessionID, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: session %q", ErrNotFound, sessionID)
	}
	if !sess.ExpiresAt.After(s.now()) {
		if _, err := s.Delete(sessionID); err != nil {
			s.log.Warn("lazy expiry delete failed", zap.String("session", sessionID), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: session %q", ErrNotFound, sessionID)
	}
	return &sess, nil
}

// Hydrate replaces every placeholder from the session with its original.
// Placeholders are pairwise disjoint by construction, so substitution order
// does not matter.
func (s *Store) Hydrate(text, sessionID string) (string, error) {
	sess, err := s.Retrieve(sessionID)
	if err != nil {
		return "", err
	}
	for _, tb := range sess.Tokens {
		text = strings.ReplaceAll(text, tb.Placeholder, tb.Original)
	}
	return text, nil
}

// Delete removes the session, reporting whether it existed.
func (s *Store) Delete(sessionID string) (bool, error) {
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		key := []byte(sessionID)
		if b.Get(key) == nil {
			return nil
		}
		existed = true
		return b.Delete(key)
	})
	return existed, err
}

// DeleteAll removes every session and returns how many were deleted.
func (s *Store) DeleteAll() (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		count = b.Stats().KeyN
		if err := tx.DeleteBucket(bucketSessions); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketSessions)
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Extend pushes the expiry out to now+ttl, reporting whether the session
// existed. Malformed ids and over-limit TTLs are ErrInvalidInput.
func (s *Store) Extend(sessionID string, ttl time.Duration) (bool, error) {
	if !ValidSessionID(sessionID) {
		return false, fmt.Errorf("%w: session id must be a lowercase uuid", ErrInvalidInput)
	}
	if ttl <= 0 || ttl > MaxTTL {
		return false, fmt.Errorf("%w: ttl must be between 1 and %d seconds", ErrInvalidInput, int(MaxTTL.Seconds()))
	}
	existed := false
	now := s.now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		raw := b.Get([]byte(sessionID))
		if raw == nil {
			return nil
		}
		var sess Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return fmt.Errorf("decode session %s: %w", sessionID, err)
		}
		sess.ExpiresAt = now.Add(ttl)
		sess.LastAccessedAt = now
		out, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		existed = true
		return b.Put([]byte(sessionID), out)
	})
	return existed, err
}

// Size counts the live (unexpired) sessions.
func (s *Store) Size() (int, error) {
	now := s.now()
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, raw []byte) error {
			var sess Session
			if err := json.Unmarshal(raw, &sess); err != nil {
				return nil // skip corrupt rows
			}
			if sess.ExpiresAt.After(now) {
				n++
			}
			return nil
		})
	})
	return n, err
}

// GetAll returns the live sessions ordered by creation time, newest first.
func (s *Store) GetAll() ([]Session, error) {
	now := s.now()
	var out []Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, raw []byte) error {
			var sess Session
			if err := json.Unmarshal(raw, &sess); err != nil {
				return nil
			}
			if sess.ExpiresAt.After(now) {
				out = append(out, sess)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Search returns live sessions with at least one binding whose original,
// category or meta value contains q case-insensitively.
func (s *Store) Search(q string) ([]Session, error) {
	all, err := s.GetAll()
	if err != nil {
		return nil, err
	}
	q = strings.ToLower(q)
	var out []Session
	for _, sess := range all {
		if sessionMatches(sess, q) {
			out = append(out, sess)
		}
	}
	return out, nil
}

func sessionMatches(sess Session, q string) bool {
	for _, tb := range sess.Tokens {
		if strings.Contains(strings.ToLower(tb.Original), q) ||
			strings.Contains(strings.ToLower(tb.Category), q) {
			return true
		}
		for _, v := range tb.Meta {
			if strings.Contains(strings.ToLower(v), q) {
				return true
			}
		}
	}
	return false
}

// SweepExpired deletes rows whose expiry has passed and returns the count.
// Runs on a 60-second cadence from the scheduler; Retrieve also expires
// lazily so a sweep miss never resurrects a session.
func (s *Store) SweepExpired() (int, error) {
	now := s.now()
	var expired [][]byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if err := b.ForEach(func(k, raw []byte) error {
			var sess Session
			if err := json.Unmarshal(raw, &sess); err != nil {
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			if !sess.ExpiresAt.After(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(expired) > 0 {
		s.log.Debug("session sweep", zap.Int("expired", len(expired)))
	}
	return len(expired), nil
}
