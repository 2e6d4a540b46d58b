// Package proxy — sessions.go
//
// The in-memory per-session token map the response path hydrates from.
// The durable store (internal/store) is the source of truth; this map is a
// hot cache populated on the request path so the streaming hydrator never
// touches the database between SSE events.
package proxy

import (
	"sync"
	"time"

	"anonamoose/internal/pii"
)

const (
	// maxSessionTokens caps how many bindings one session may hold in
	// memory. Bindings beyond the cap are still persisted durably; they
	// just stop feeding the in-memory hydrator.
	maxSessionTokens = 10_000

	// sessionIdleTTL is how long an untouched session survives in memory.
	sessionIdleTTL = time.Hour
)

type sessionTokens struct {
	tokens       map[string]string // placeholder -> original
	lastAccessed time.Time
}

// sessionMap holds the per-session placeholder maps. All methods are safe
// for concurrent use.
type sessionMap struct {
	mu       sync.Mutex
	sessions map[string]*sessionTokens

	now func() time.Time
}

func newSessionMap() *sessionMap {
	return &sessionMap{sessions: make(map[string]*sessionTokens), now: time.Now}
}

// Add merges bindings into the session's map, creating it when absent.
// Existing placeholders are never overwritten and the per-session cap is
// enforced.
func (m *sessionMap) Add(sessionID string, bindings []pii.TokenBinding) {
	if sessionID == "" || len(bindings) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.sessions[sessionID]
	if st == nil {
		st = &sessionTokens{tokens: make(map[string]string, len(bindings))}
		m.sessions[sessionID] = st
	}
	st.lastAccessed = m.now()
	for _, b := range bindings {
		if len(st.tokens) >= maxSessionTokens {
			return
		}
		if _, exists := st.tokens[b.Placeholder]; !exists {
			st.tokens[b.Placeholder] = b.Original
		}
	}
}

// Snapshot returns a copy of the session's bindings. The copy is what an
// in-flight response hydrates from, so bindings added by concurrent requests
// after this call do not affect it.
func (m *sessionMap) Snapshot(sessionID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.sessions[sessionID]
	if st == nil {
		return nil
	}
	st.lastAccessed = m.now()
	out := make(map[string]string, len(st.tokens))
	for ph, orig := range st.tokens {
		out[ph] = orig
	}
	return out
}

// Count reports how many bindings the session holds.
func (m *sessionMap) Count(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.sessions[sessionID]
	if st == nil {
		return 0
	}
	return len(st.tokens)
}

// Len reports how many sessions are resident.
func (m *sessionMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Delete drops one session's map.
func (m *sessionMap) Delete(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Sweep evicts sessions idle past the TTL and returns how many went.
// Runs on a 5-minute cadence from the scheduler.
func (m *sessionMap) Sweep() int {
	cutoff := m.now().Add(-sessionIdleTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, st := range m.sessions {
		if st.lastAccessed.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}
