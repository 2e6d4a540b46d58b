// Package proxy — rewrite.go
//
// Request-side: walk the provider-specific text fields of a chat body and
// run each through the redaction pipeline. Response-side: walk decoded JSON
// and substitute placeholders back in string leaves.
package proxy

import (
	"context"
	"strings"

	"anonamoose/internal/pii"
	"anonamoose/internal/pipeline"
)

// Providers the interception path understands.
const (
	providerOpenAI    = "openai"
	providerAnthropic = "anthropic"
)

// maxWalkDepth bounds the hydration recursion. Provider responses nest a
// handful of levels; anything deeper is left alone rather than risked.
const maxWalkDepth = 64

// redactFunc runs one text payload through the pipeline.
type redactFunc func(ctx context.Context, text string) (pipeline.Result, error)

// redactOutcome accumulates across every text field of one request body.
type redactOutcome struct {
	Bindings   []pii.TokenBinding
	Detections []pii.Detection
	Input      strings.Builder // originals, for the redaction-ring preview
	Output     strings.Builder // rewritten, same
}

func (o *redactOutcome) absorb(original string, res pipeline.Result) {
	o.Bindings = append(o.Bindings, res.Bindings...)
	o.Detections = append(o.Detections, res.Detections...)
	if len(res.Detections) > 0 {
		if o.Input.Len() > 0 {
			o.Input.WriteString("\n")
			o.Output.WriteString("\n")
		}
		o.Input.WriteString(original)
		o.Output.WriteString(res.Text)
	}
}

// redactChatBody rewrites every textual field of a decoded chat-completion
// body in place. For OpenAI that is each messages[].content string and each
// text block; Anthropic adds the top-level system prompt (string or block
// list). Non-conforming shapes pass through untouched — the provider will
// reject them, not us.
func redactChatBody(ctx context.Context, doc map[string]any, provider string, redact redactFunc) (*redactOutcome, error) {
	out := &redactOutcome{}

	if provider == providerAnthropic {
		switch system := doc["system"].(type) {
		case string:
			res, err := redact(ctx, system)
			if err != nil {
				return nil, err
			}
			out.absorb(system, res)
			doc["system"] = res.Text
		case []any:
			if err := redactBlocks(ctx, system, redact, out); err != nil {
				return nil, err
			}
		}
	}

	messages, _ := doc["messages"].([]any)
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			res, err := redact(ctx, content)
			if err != nil {
				return nil, err
			}
			out.absorb(content, res)
			msg["content"] = res.Text
		case []any:
			if err := redactBlocks(ctx, content, redact, out); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// redactBlocks rewrites the text field of each type=="text" content block.
func redactBlocks(ctx context.Context, blocks []any, redact redactFunc, out *redactOutcome) error {
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok || block["type"] != "text" {
			continue
		}
		text, ok := block["text"].(string)
		if !ok {
			continue
		}
		res, err := redact(ctx, text)
		if err != nil {
			return err
		}
		out.absorb(text, res)
		block["text"] = res.Text
	}
	return nil
}

// hydrateValue walks a decoded JSON value and applies the placeholder
// replacer to every string leaf. Containers are rewritten in place.
func hydrateValue(v any, r *strings.Replacer, depth int) any {
	if depth > maxWalkDepth {
		return v
	}
	switch val := v.(type) {
	case string:
		return r.Replace(val)
	case []any:
		for i, item := range val {
			val[i] = hydrateValue(item, r, depth+1)
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = hydrateValue(item, r, depth+1)
		}
		return val
	}
	return v
}

// newReplacer builds a strings.Replacer from a placeholder → original
// snapshot. Placeholders are pairwise disjoint by construction, so the
// replacement order the Replacer picks cannot matter.
func newReplacer(tokens map[string]string) *strings.Replacer {
	pairs := make([]string, 0, len(tokens)*2)
	for ph, orig := range tokens {
		pairs = append(pairs, ph, orig)
	}
	return strings.NewReplacer(pairs...)
}
