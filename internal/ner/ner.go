// Package ner wraps a transformer token-classification model in the
// fail-soft contract every redaction layer honors: when the model cannot be
// reached, loaded, or parsed, Redact returns its input unchanged and the
// request proceeds with the deterministic layers only.
//
// The model handle is process-wide and lazily initialized. A failed load or
// classification opens a circuit for 60 seconds; the first call after that
// window retries the load. Changing the nerModel setting invalidates the
// handle, either through Reset or when a call arrives for a different model.
package ner

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"anonamoose/internal/pii"
	"anonamoose/internal/store"
	"anonamoose/internal/token"
)

const (
	// ChunkSize and Overlap shape the sliding windows sent to the model.
	// The 800-rune step means an entity shorter than the overlap can never
	// fall between two windows.
	ChunkSize = 1000
	Overlap   = 200

	// retryAfter is how long the circuit stays open before a reload attempt.
	retryAfter = 60 * time.Second

	// loadProbe is the text classified once to prove the model loads.
	loadProbe = "Angela Merkel visited Paris."
)

// Breaker states.
const (
	StateUninitialized = "uninitialized"
	StateLoading       = "loading"
	StateReady         = "ready"
	StateOpen          = "open"
)

// Layer is the NER redaction layer.
type Layer struct {
	classifier Classifier
	cache      resultCache
	log        *zap.Logger

	mu       sync.Mutex
	state    string
	model    string // model the handle was loaded for
	openedAt time.Time

	now func() time.Time
}

// New builds the layer. A nil store keeps the result cache memory-only;
// cacheSize > 0 puts an S3-FIFO front in memory (0 leaves only the backing
// bucket).
func New(classifier Classifier, st *store.Store, cacheSize int, log *zap.Logger) *Layer {
	if log == nil {
		log = zap.NewNop()
	}
	var cache resultCache
	if st != nil {
		cache = newBoltCache(st.DB(), log)
	} else {
		cache = newMemoryCache()
	}
	if cacheSize > 0 {
		cache = newFIFOCache(cache, cacheSize)
	}
	return &Layer{
		classifier: classifier,
		cache:      cache,
		log:        log,
		state:      StateUninitialized,
		now:        time.Now,
	}
}

// Close releases the result cache.
func (l *Layer) Close() error { return l.cache.Close() }

// State reports the breaker state for the stats endpoint.
func (l *Layer) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Reset drops the loaded handle so the next call reloads, immediately.
// Called when the nerModel setting changes.
func (l *Layer) Reset() {
	l.mu.Lock()
	l.state = StateUninitialized
	l.mu.Unlock()
}

// Redact classifies text and substitutes placeholders for every located
// entity occurrence. All failure modes degrade to returning text unchanged
// with no detections.
func (l *Layer) Redact(ctx context.Context, text, model string, minConfidence float64, minter token.Minter) (string, []pii.TokenBinding, []pii.Detection) {
	if text == "" {
		return text, nil, nil
	}
	if !l.ensureReady(ctx, model) {
		return text, nil, nil
	}

	chunked, err := l.classifyChunks(ctx, model, text)
	if err != nil {
		l.trip(err)
		return text, nil, nil
	}

	var merged []entity
	for _, raw := range chunked {
		merged = append(merged, mergeBIO(raw)...)
	}
	kept := dedupEntities(filterEntities(merged, minConfidence))
	detections := keepLongestLeftmost(locateOccurrences(text, kept))
	if len(detections) == 0 {
		return text, nil, nil
	}

	// One placeholder per value; every occurrence of that value shares it,
	// matching the case-insensitive dedup the session store applies.
	var (
		bindings []pii.TokenBinding
		spans    []token.Span
		byValue  = make(map[string]string)
	)
	for _, det := range detections {
		key := strings.ToLower(det.Value)
		placeholder, ok := byValue[key]
		if !ok {
			placeholder = minter.NewPlaceholder()
			byValue[key] = placeholder
			bindings = append(bindings, pii.TokenBinding{
				Placeholder: placeholder,
				Original:    det.Value,
				Layer:       pii.LayerNER,
				Category:    det.Category,
			})
		}
		spans = append(spans, token.Span{Start: det.StartIndex, End: det.EndIndex, Replacement: placeholder})
	}
	return token.ReplaceSpans(text, spans), bindings, detections
}

// ensureReady returns true when the handle is loaded for model. At most one
// caller performs the load; concurrent callers during a load fail soft
// rather than queue behind a possible 60-second model download.
func (l *Layer) ensureReady(ctx context.Context, model string) bool {
	l.mu.Lock()
	if l.state != StateUninitialized && l.model != model {
		l.state = StateUninitialized
	}
	switch l.state {
	case StateReady:
		l.mu.Unlock()
		return true
	case StateLoading:
		l.mu.Unlock()
		return false
	case StateOpen:
		if l.now().Sub(l.openedAt) < retryAfter {
			l.mu.Unlock()
			return false
		}
	}
	l.state = StateLoading
	l.model = model
	l.mu.Unlock()

	_, err := l.classifier.Classify(ctx, model, loadProbe)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.state = StateOpen
		l.openedAt = l.now()
		l.log.Warn("ner model load failed, circuit open",
			zap.String("model", model), zap.Duration("retryAfter", retryAfter), zap.Error(err))
		return false
	}
	l.state = StateReady
	l.log.Info("ner model ready", zap.String("model", model))
	return true
}

// trip opens the circuit after a runtime classification failure so a dead
// sidecar is probed once per window instead of once per chunk.
func (l *Layer) trip(err error) {
	l.mu.Lock()
	l.state = StateOpen
	l.openedAt = l.now()
	l.mu.Unlock()
	l.log.Warn("ner classification failed, circuit open", zap.Error(err))
}

// classifyChunks returns the raw entities per chunk, consulting the result
// cache before the model.
func (l *Layer) classifyChunks(ctx context.Context, model, text string) ([][]RawEntity, error) {
	pieces := chunks(text)
	out := make([][]RawEntity, 0, len(pieces))
	for _, chunk := range pieces {
		key := cacheKey(model, chunk)
		if raw, ok := l.cache.Get(key); ok {
			var ents []RawEntity
			if err := json.Unmarshal(raw, &ents); err == nil {
				out = append(out, ents)
				continue
			}
			l.cache.Delete(key)
		}
		ents, err := l.classifier.Classify(ctx, model, chunk)
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(ents); err == nil {
			l.cache.Set(key, raw)
		}
		out = append(out, ents)
	}
	return out, nil
}

// chunks splits text into ChunkSize-rune windows advancing by
// ChunkSize-Overlap.
func chunks(text string) []string {
	runes := []rune(text)
	if len(runes) <= ChunkSize {
		return []string{text}
	}
	var out []string
	for start := 0; start < len(runes); start += ChunkSize - Overlap {
		end := start + ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

// entity is one merged model entity before it is located in the text.
type entity struct {
	word     string
	category string
	score    float64
	pieces   int
}

// mergeBIO folds a chunk's raw stream into whole entities: B-X starts one,
// I-X of the same category extends the latest ("##" subwords join without a
// separator, whole words with one space) with a running mean score, and a
// continuation with nothing to continue is dropped.
func mergeBIO(raw []RawEntity) []entity {
	var out []entity
	for _, r := range raw {
		category, kind, ok := splitTag(r.Entity)
		if !ok {
			continue
		}
		piece := strings.TrimPrefix(r.Word, "##")
		subword := strings.HasPrefix(r.Word, "##")

		if kind == 'B' {
			out = append(out, entity{word: piece, category: category, score: r.Score, pieces: 1})
			continue
		}
		if len(out) == 0 || out[len(out)-1].category != category {
			continue
		}
		last := &out[len(out)-1]
		if subword {
			last.word += piece
		} else {
			last.word += " " + piece
		}
		last.pieces++
		last.score += (r.Score - last.score) / float64(last.pieces)
	}
	return out
}

// splitTag decodes a BIO label into the public category name, rejecting
// everything outside the supported entity set.
func splitTag(tag string) (category string, kind byte, ok bool) {
	if len(tag) < 3 || tag[1] != '-' || (tag[0] != 'B' && tag[0] != 'I') {
		return "", 0, false
	}
	switch tag[2:] {
	case "PER":
		return "PERSON", tag[0], true
	case "ORG":
		return "ORG", tag[0], true
	case "LOC":
		return "LOCATION", tag[0], true
	case "MISC":
		return "MISC", tag[0], true
	}
	return "", 0, false
}

func filterEntities(ents []entity, minConfidence float64) []entity {
	out := make([]entity, 0, len(ents))
	for _, e := range ents {
		if e.word == "" || e.score < minConfidence {
			continue
		}
		out = append(out, e)
	}
	return out
}

// dedupEntities collapses repeats of the exact same word, which is how the
// overlap zone's double sightings fold back into one entity.
func dedupEntities(ents []entity) []entity {
	seen := make(map[string]bool, len(ents))
	out := make([]entity, 0, len(ents))
	for _, e := range ents {
		if seen[e.word] {
			continue
		}
		seen[e.word] = true
		out = append(out, e)
	}
	return out
}

// locateOccurrences finds every case-insensitive occurrence of each entity
// in text. Comparison is rune-wise so byte offsets stay exact for scripts
// where lowercasing changes encoded length.
func locateOccurrences(text string, ents []entity) []pii.Detection {
	if len(ents) == 0 || text == "" {
		return nil
	}
	runes := []rune(text)
	lower := make([]rune, len(runes))
	byteOff := make([]int, len(runes)+1)
	off := 0
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
		byteOff[i] = off
		off += utf8.RuneLen(r)
	}
	byteOff[len(runes)] = off

	var detections []pii.Detection
	for _, e := range ents {
		needle := lowerRunes(e.word)
		if len(needle) == 0 {
			continue
		}
		for i := 0; i+len(needle) <= len(runes); {
			if !runesMatch(lower[i:], needle) {
				i++
				continue
			}
			detections = append(detections, pii.Detection{
				Layer:      pii.LayerNER,
				Category:   e.category,
				Value:      text[byteOff[i]:byteOff[i+len(needle)]],
				StartIndex: byteOff[i],
				EndIndex:   byteOff[i+len(needle)],
				Confidence: e.score,
			})
			i += len(needle)
		}
	}
	return detections
}

func lowerRunes(s string) []rune {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		out = append(out, unicode.ToLower(r))
	}
	return out
}

func runesMatch(haystack, needle []rune) bool {
	for i, r := range needle {
		if haystack[i] != r {
			return false
		}
	}
	return true
}

// keepLongestLeftmost resolves overlapping detections: longer spans beat
// shorter, earlier spans break ties. Output is in text order.
func keepLongestLeftmost(detections []pii.Detection) []pii.Detection {
	if len(detections) < 2 {
		return detections
	}
	ordered := make([]pii.Detection, len(detections))
	copy(ordered, detections)
	sort.SliceStable(ordered, func(i, j int) bool {
		li := ordered[i].EndIndex - ordered[i].StartIndex
		lj := ordered[j].EndIndex - ordered[j].StartIndex
		if li != lj {
			return li > lj
		}
		return ordered[i].StartIndex < ordered[j].StartIndex
	})
	var kept []pii.Detection
	for _, d := range ordered {
		clear := true
		for _, k := range kept {
			if d.StartIndex < k.EndIndex && k.StartIndex < d.EndIndex {
				clear = false
				break
			}
		}
		if clear {
			kept = append(kept, d)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].StartIndex < kept[j].StartIndex })
	return kept
}
