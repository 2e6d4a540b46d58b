// Package token mints the opaque placeholders that stand in for redacted
// values and provides the text-substitution helpers the layers share.
//
// A placeholder is prefix + 16 hex characters + suffix. The default prefix
// and suffix are single code points from the Unicode Private Use Area
// (U+E000, U+E001): language models treat them as opaque, they never occur
// in natural text, and no regex or name heuristic can re-match them, which
// is what keeps already-redacted text inert to later pipeline layers.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"sort"
)

const (
	// DefaultPrefix and DefaultSuffix frame every placeholder unless the
	// placeholderPrefix / placeholderSuffix settings override them.
	DefaultPrefix = ""
	DefaultSuffix = ""

	// idBytes is the random payload per placeholder: 8 bytes, 16 hex
	// characters, 64 bits of entropy. Collisions within a session are
	// treated as impossible rather than merely unlikely.
	idBytes = 8
)

// Minter produces placeholders with a fixed prefix and suffix, normally
// taken from the settings snapshot of the redaction call that created it.
type Minter struct {
	Prefix string
	Suffix string
}

// NewMinter returns a Minter using the given affixes, falling back to the
// defaults for any empty value.
func NewMinter(prefix, suffix string) Minter {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if suffix == "" {
		suffix = DefaultSuffix
	}
	return Minter{Prefix: prefix, Suffix: suffix}
}

// NewPlaceholder returns a fresh placeholder string.
func (m Minter) NewPlaceholder() string {
	b := make([]byte, idBytes)
	_, _ = rand.Read(b) // documented never to fail
	return m.Prefix + hex.EncodeToString(b) + m.Suffix
}

// Tokenize replaces every occurrence of each binding's original value in
// text with its placeholder. Regex metacharacters in the value are escaped
// first, so the value is always matched literally.
func Tokenize(text string, bindings map[string]string) string {
	for placeholder, original := range bindings {
		if original == "" {
			continue
		}
		re, err := regexp.Compile(regexp.QuoteMeta(original))
		if err != nil {
			continue
		}
		text = re.ReplaceAllLiteralString(text, placeholder)
	}
	return text
}

// Span is one pending substitution: replace text[Start:End] with Replacement.
type Span struct {
	Start       int
	End         int
	Replacement string
}

// ReplaceSpans applies the substitutions right-to-left so earlier byte
// offsets stay valid while later ones are rewritten. Spans must not overlap;
// out-of-range spans are skipped.
func ReplaceSpans(text string, spans []Span) string {
	ordered := make([]Span, len(spans))
	copy(ordered, spans)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start > ordered[j].Start })

	for _, s := range ordered {
		if s.Start < 0 || s.End > len(text) || s.Start >= s.End {
			continue
		}
		text = text[:s.Start] + s.Replacement + text[s.End:]
	}
	return text
}
