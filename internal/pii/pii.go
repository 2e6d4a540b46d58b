// Package pii defines the value types shared by every redaction layer:
// the layer tags, the Detection record a layer emits per match, and the
// TokenBinding that maps a minted placeholder back to its original value.
//
// These are plain data carriers. All behavior (matching, minting, storage)
// lives in the layer packages; keeping the types here avoids import cycles
// between the layers, the pipeline, and the store.
package pii

// Layer identifies which redaction layer produced a detection or binding.
// The string values are the wire format used in API responses and in
// persisted sessions.
type Layer string

const (
	LayerDictionary Layer = "dictionary"
	LayerNER        Layer = "ner"
	LayerRegex      Layer = "regex"
	LayerNames      Layer = "names"
)

// Detection is a single PII match. StartIndex/EndIndex are half-open byte
// offsets into the text the layer scanned at the moment of detection; after
// a layer rewrites the text, earlier offsets do not translate to the
// rewritten string.
type Detection struct {
	Layer      Layer   `json:"type"`
	Category   string  `json:"category"`
	Value      string  `json:"value,omitempty"`
	StartIndex int     `json:"startIndex"`
	EndIndex   int     `json:"endIndex"`
	Confidence float64 `json:"confidence"`
}

// Redacted returns a copy with the matched value stripped, for surfaces
// (API responses, observability rings) that must not echo raw PII.
func (d Detection) Redacted() Detection {
	d.Value = ""
	return d
}

// TokenBinding is one reversible placeholder → original mapping. Within a
// session placeholders are unique and originals are unique up to
// case-insensitive equality.
type TokenBinding struct {
	Placeholder string            `json:"placeholder"`
	Original    string            `json:"original"`
	Layer       Layer             `json:"type"`
	Category    string            `json:"category"`
	Meta        map[string]string `json:"meta,omitempty"`
}
