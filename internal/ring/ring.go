// Package ring holds the two fixed-size observability buffers: the request
// log of recently proxied calls and the redaction log of recent detections.
// Both are bounded FIFO rings that overwrite the oldest entry when full.
// Redaction entries additionally age out, and carry only previews and
// value-stripped detections so the rings never retain raw PII.
package ring

import (
	"sync"
	"time"
	"unicode/utf8"

	"anonamoose/internal/pii"
)

const (
	// RequestCap bounds the request log.
	RequestCap = 500
	// RedactionCap bounds the redaction log.
	RedactionCap = 100
	// RedactionMaxAge is how long a redaction entry may be served before
	// a read discards it.
	RedactionMaxAge = 15 * time.Minute

	maxPreview = 500
)

// RequestEntry is one proxied request.
type RequestEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	IP         string    `json:"ip"`
	DurationMs float64   `json:"durationMs"`
	SessionID  string    `json:"sessionId,omitempty"`
}

// RequestLog records the last RequestCap proxied requests.
type RequestLog struct {
	mu    sync.Mutex
	buf   []RequestEntry
	head  int
	count int

	now func() time.Time
}

func NewRequestLog() *RequestLog {
	return &RequestLog{buf: make([]RequestEntry, RequestCap), now: time.Now}
}

// Add stamps and records one entry, overwriting the oldest when full.
func (l *RequestLog) Add(e RequestEntry) {
	l.mu.Lock()
	e.Timestamp = l.now()
	l.buf[l.head] = e
	l.head = (l.head + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
	l.mu.Unlock()
}

// List returns the recorded entries, newest first.
func (l *RequestLog) List() []RequestEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RequestEntry, 0, l.count)
	for i := 0; i < l.count; i++ {
		out = append(out, l.buf[(l.head-1-i+len(l.buf))%len(l.buf)])
	}
	return out
}

// Len returns the number of recorded entries.
func (l *RequestLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Clear discards every entry.
func (l *RequestLog) Clear() {
	l.mu.Lock()
	l.buf = make([]RequestEntry, RequestCap)
	l.head, l.count = 0, 0
	l.mu.Unlock()
}

// RedactionEntry is one redaction pass that produced detections. Previews
// are capped and detections are stored without their matched values.
type RedactionEntry struct {
	Timestamp       time.Time       `json:"timestamp"`
	Source          string          `json:"source"`
	SessionID       string          `json:"sessionId"`
	InputPreview    string          `json:"inputPreview"`
	RedactedPreview string          `json:"redactedPreview"`
	Detections      []pii.Detection `json:"detections"`
}

// RedactionLog records the last RedactionCap redactions for at most
// RedactionMaxAge each.
type RedactionLog struct {
	mu    sync.Mutex
	buf   []RedactionEntry
	head  int
	count int

	now func() time.Time
}

func NewRedactionLog() *RedactionLog {
	return &RedactionLog{buf: make([]RedactionEntry, RedactionCap), now: time.Now}
}

// Add stamps and records one entry. Previews are truncated and detection
// values dropped before anything is retained.
func (l *RedactionLog) Add(e RedactionEntry) {
	e.InputPreview = truncate(e.InputPreview, maxPreview)
	e.RedactedPreview = truncate(e.RedactedPreview, maxPreview)
	if len(e.Detections) > 0 {
		dets := make([]pii.Detection, len(e.Detections))
		for i, d := range e.Detections {
			dets[i] = d.Redacted()
		}
		e.Detections = dets
	}

	l.mu.Lock()
	e.Timestamp = l.now()
	l.buf[l.head] = e
	l.head = (l.head + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
	l.mu.Unlock()
}

// List expires aged entries and returns the remainder, newest first.
func (l *RedactionLog) List() []RedactionEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expire()
	out := make([]RedactionEntry, 0, l.count)
	for i := 0; i < l.count; i++ {
		out = append(out, l.buf[(l.head-1-i+len(l.buf))%len(l.buf)])
	}
	return out
}

// Len expires aged entries and returns the live count.
func (l *RedactionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expire()
	return l.count
}

// Clear discards every entry.
func (l *RedactionLog) Clear() {
	l.mu.Lock()
	l.buf = make([]RedactionEntry, RedactionCap)
	l.head, l.count = 0, 0
	l.mu.Unlock()
}

// expire drops entries older than RedactionMaxAge from the tail. Entries
// are timestamped at insertion, so the oldest always sits at the tail and
// the scan stops at the first live one. Caller holds the lock.
func (l *RedactionLog) expire() {
	cutoff := l.now().Add(-RedactionMaxAge)
	for l.count > 0 {
		tail := (l.head - l.count + len(l.buf)) % len(l.buf)
		if l.buf[tail].Timestamp.After(cutoff) {
			return
		}
		l.buf[tail] = RedactionEntry{}
		l.count--
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
