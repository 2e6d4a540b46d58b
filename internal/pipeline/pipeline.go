// Package pipeline chains the four redaction layers over one settings
// snapshot per call and owns the cross-layer rules: fixed execution order,
// cumulative tokens, duplicate suppression after the model-driven layers,
// and the pure-analysis mode that detects without rewriting anything.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"anonamoose/internal/dictionary"
	"anonamoose/internal/names"
	"anonamoose/internal/ner"
	"anonamoose/internal/patterns"
	"anonamoose/internal/pii"
	"anonamoose/internal/store"
	"anonamoose/internal/token"
)

// Result is one redaction outcome. Text is the rewritten input (the input
// itself in analysis mode), Bindings the placeholder mappings minted by
// this call, Detections every accepted detection in layer order.
type Result struct {
	Text       string
	Bindings   []pii.TokenBinding
	Detections []pii.Detection
}

// Pipeline wires the layers to the settings and session store. A nil layer
// is treated as disabled regardless of its settings flag.
type Pipeline struct {
	store      *store.Store
	dict       *dictionary.Dictionary
	entities   *ner.Layer
	people     *names.Layer
	sessionTTL time.Duration
	log        *zap.Logger
}

// New wires the pipeline. sessionTTL is the lifetime written with each
// session persist; zero or negative selects the store default, values over
// the store maximum are clamped to it.
func New(st *store.Store, dict *dictionary.Dictionary, entities *ner.Layer, people *names.Layer, sessionTTL time.Duration, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if sessionTTL < 0 {
		sessionTTL = 0
	}
	if sessionTTL > store.MaxTTL {
		sessionTTL = store.MaxTTL
	}
	return &Pipeline{store: st, dict: dict, entities: entities, people: people, sessionTTL: sessionTTL, log: log}
}

// Redact runs the enabled layers over text in the order Dictionary, NER,
// Regex, Names and, when tokenization is on and sessionID is non-empty,
// persists the minted bindings under that session.
func (p *Pipeline) Redact(ctx context.Context, sessionID, text string) (Result, error) {
	set, err := p.store.Settings()
	if err != nil {
		return Result{}, fmt.Errorf("read settings: %w", err)
	}
	return p.redact(ctx, sessionID, text, set)
}

// RedactWithLocale is Redact with the regex catalogue locale forced for
// this call, overriding the configured one.
func (p *Pipeline) RedactWithLocale(ctx context.Context, sessionID, text, locale string) (Result, error) {
	set, err := p.store.Settings()
	if err != nil {
		return Result{}, fmt.Errorf("read settings: %w", err)
	}
	set.Locale = locale
	return p.redact(ctx, sessionID, text, set)
}

func (p *Pipeline) redact(ctx context.Context, sessionID, text string, set store.Settings) (Result, error) {
	res := Result{Text: text}
	if text == "" {
		return res, nil
	}

	minter := token.NewMinter(set.PlaceholderPrefix, set.PlaceholderSuffix)
	tokenize := set.TokenizePlaceholders

	// (value, category) pairs already accepted, consulted by the
	// suppression rule after the NER and Names stages.
	accepted := make(map[string]struct{})
	note := func(dets []pii.Detection) {
		for _, d := range dets {
			accepted[pairKey(d)] = struct{}{}
		}
	}

	working := text

	if set.EnableDictionary && p.dict != nil {
		out, bindings, dets := p.dict.Redact(working, minter)
		res.Detections = append(res.Detections, dets...)
		note(dets)
		if tokenize {
			working = out
			res.Bindings = append(res.Bindings, bindings...)
		}
	}

	if set.EnableNER && p.entities != nil {
		out, bindings, dets := p.entities.Redact(ctx, working, set.NERModel, set.NERMinConfidence, minter)
		dets = dropAccepted(dets, accepted)
		res.Detections = append(res.Detections, dets...)
		note(dets)
		if tokenize {
			working = out
			res.Bindings = append(res.Bindings, bindings...)
		}
	}

	if set.EnableRegex {
		dets := patterns.Scan(working, set.Locale)
		if tokenize && len(dets) > 0 {
			spans := make([]token.Span, 0, len(dets))
			reused := make(map[string]string, len(dets))
			for _, d := range dets {
				key := strings.ToLower(d.Value)
				ph, seen := reused[key]
				if !seen {
					ph = minter.NewPlaceholder()
					reused[key] = ph
					res.Bindings = append(res.Bindings, pii.TokenBinding{
						Placeholder: ph,
						Original:    d.Value,
						Layer:       pii.LayerRegex,
						Category:    d.Category,
					})
				}
				spans = append(spans, token.Span{Start: d.StartIndex, End: d.EndIndex, Replacement: ph})
			}
			working = token.ReplaceSpans(working, spans)
		}
		res.Detections = append(res.Detections, dets...)
		note(dets)
	}

	if set.EnableNames && p.people != nil {
		out, bindings, dets := p.people.Redact(working, minter)
		dets = dropAccepted(dets, accepted)
		res.Detections = append(res.Detections, dets...)
		if tokenize {
			working = out
			res.Bindings = append(res.Bindings, bindings...)
		}
	}

	res.Bindings, working = p.foldDuplicateBindings(res.Bindings, working)
	res.Text = working

	if tokenize && sessionID != "" && len(res.Bindings) > 0 {
		if err := p.store.StoreTokens(sessionID, res.Bindings, p.sessionTTL); err != nil {
			return Result{}, fmt.Errorf("persist session tokens: %w", err)
		}
	}
	return res, nil
}

// foldDuplicateBindings collapses bindings whose originals differ only in
// case. The session store keeps a single binding per case-insensitive
// original, so when two layers minted distinct placeholders for case
// variants of one value, the later placeholder is rewritten to the first;
// otherwise hydration would leave it stranded in the text.
func (p *Pipeline) foldDuplicateBindings(bindings []pii.TokenBinding, text string) ([]pii.TokenBinding, string) {
	if len(bindings) < 2 {
		return bindings, text
	}
	first := make(map[string]string, len(bindings))
	kept := bindings[:0]
	for _, b := range bindings {
		key := strings.ToLower(b.Original)
		if ph, dup := first[key]; dup {
			text = strings.ReplaceAll(text, b.Placeholder, ph)
			p.log.Debug("folded duplicate binding",
				zap.String("category", b.Category),
				zap.String("layer", string(b.Layer)))
			continue
		}
		first[key] = b.Placeholder
		kept = append(kept, b)
	}
	return kept, text
}

func pairKey(d pii.Detection) string {
	return d.Value + "\x00" + d.Category
}

func dropAccepted(dets []pii.Detection, accepted map[string]struct{}) []pii.Detection {
	kept := dets[:0]
	for _, d := range dets {
		if _, dup := accepted[pairKey(d)]; dup {
			continue
		}
		kept = append(kept, d)
	}
	return kept
}
