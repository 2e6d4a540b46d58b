// Package metrics provides lightweight, lock-minimal runtime counters for
// the redacting proxy.
//
// Counters use sync/atomic so hot paths (request handling, placeholder
// minting) incur no mutex contention. Latency statistics use a single mutex
// per dimension; they are updated at most once per request.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"anonamoose/internal/pii"
)

// knownLayers lists every redaction layer. Used to pre-populate the
// per-layer detection counters in New() so Snapshot() can iterate a fixed
// set without racing on map writes.
var knownLayers = []pii.Layer{
	pii.LayerDictionary, pii.LayerNER, pii.LayerRegex, pii.LayerNames,
}

// Metrics holds all runtime counters for a running proxy instance.
// The zero value is usable but records no per-layer detections — use New().
type Metrics struct {
	// Request counters
	RequestsTotal       atomic.Int64
	RequestsRedacted    atomic.Int64
	RequestsPassthrough atomic.Int64
	RequestsRateLimited atomic.Int64

	// Error counters
	ErrorsUpstream  atomic.Int64
	ErrorsRedaction atomic.Int64

	// Placeholder volume
	TokensMinted   atomic.Int64
	TokensHydrated atomic.Int64

	// Per-layer detection counters. The map is written only in New();
	// concurrent reads are safe without a lock.
	detections map[pii.Layer]*atomic.Int64

	// Latency statistics (mutex-guarded because they accumulate floats)
	redactMu   sync.Mutex
	redactStat latencyStats

	upstreamMu   sync.Mutex
	upstreamStat latencyStats

	startTime time.Time
}

// New returns a Metrics with the start time recorded and per-layer
// detection counters pre-populated.
func New() *Metrics {
	m := &Metrics{
		startTime:  time.Now(),
		detections: make(map[pii.Layer]*atomic.Int64, len(knownLayers)),
	}
	for _, l := range knownLayers {
		m.detections[l] = new(atomic.Int64)
	}
	return m
}

// RecordDetections adds n detections to the given layer's counter.
// Unknown layers are silently ignored.
func (m *Metrics) RecordDetections(layer pii.Layer, n int) {
	if c, ok := m.detections[layer]; ok {
		c.Add(int64(n))
	}
}

// RecordRedactLatency records the duration of one full pipeline pass.
func (m *Metrics) RecordRedactLatency(d time.Duration) {
	m.redactMu.Lock()
	m.redactStat.record(float64(d.Microseconds()) / 1000.0)
	m.redactMu.Unlock()
}

// RecordUpstreamLatency records the round-trip time to the LLM provider.
func (m *Metrics) RecordUpstreamLatency(d time.Duration) {
	m.upstreamMu.Lock()
	m.upstreamStat.record(float64(d.Microseconds()) / 1000.0)
	m.upstreamMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON
// encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.redactMu.Lock()
	redact := m.redactStat.snapshot()
	m.redactMu.Unlock()

	m.upstreamMu.Lock()
	upstream := m.upstreamStat.snapshot()
	m.upstreamMu.Unlock()

	detections := make(map[string]int64, len(m.detections))
	for l, c := range m.detections {
		if n := c.Load(); n > 0 {
			detections[string(l)] = n
		}
	}

	return Snapshot{
		Requests: RequestSnapshot{
			Total:       m.RequestsTotal.Load(),
			Redacted:    m.RequestsRedacted.Load(),
			Passthrough: m.RequestsPassthrough.Load(),
			RateLimited: m.RequestsRateLimited.Load(),
		},
		Errors: ErrorSnapshot{
			Upstream:  m.ErrorsUpstream.Load(),
			Redaction: m.ErrorsRedaction.Load(),
		},
		Tokens: TokenSnapshot{
			Minted:   m.TokensMinted.Load(),
			Hydrated: m.TokensHydrated.Load(),
		},
		Detections: detections,
		Latency: LatencyGroup{
			RedactionMs: redact,
			UpstreamMs:  upstream,
		},
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

// Public returns the reduced view served without authentication.
func (m *Metrics) Public() PublicSnapshot {
	return PublicSnapshot{
		RequestsTotal: m.RequestsTotal.Load(),
		TokensMinted:  m.TokensMinted.Load(),
		UptimeSecs:    time.Since(m.startTime).Seconds(),
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Requests   RequestSnapshot  `json:"requests"`
	Errors     ErrorSnapshot    `json:"errors"`
	Tokens     TokenSnapshot    `json:"tokens"`
	Detections map[string]int64 `json:"detections,omitempty"`
	Latency    LatencyGroup     `json:"latency"`
	UptimeSecs float64          `json:"uptimeSecs"`
}

// RequestSnapshot holds request-level counters.
type RequestSnapshot struct {
	Total       int64 `json:"total"`
	Redacted    int64 `json:"redacted"`
	Passthrough int64 `json:"passthrough"`
	RateLimited int64 `json:"rateLimited"`
}

// ErrorSnapshot holds error counters.
type ErrorSnapshot struct {
	Upstream  int64 `json:"upstream"`
	Redaction int64 `json:"redaction"`
}

// TokenSnapshot holds placeholder volume counters.
type TokenSnapshot struct {
	Minted   int64 `json:"minted"`
	Hydrated int64 `json:"hydrated"`
}

// LatencyGroup groups the two latency dimensions.
type LatencyGroup struct {
	RedactionMs LatencySnapshot `json:"redactionMs"`
	UpstreamMs  LatencySnapshot `json:"upstreamMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// PublicSnapshot is the unauthenticated stats view.
type PublicSnapshot struct {
	RequestsTotal int64   `json:"requestsTotal"`
	TokensMinted  int64   `json:"tokensMinted"`
	UptimeSecs    float64 `json:"uptimeSecs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
