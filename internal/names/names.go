// Package names detects probable personal names that the NER model and the
// regex catalogue miss. Each candidate word is scored against an embedded
// given-name list and an English-frequency corpus: a capitalized known name
// that is not an ordinary dictionary word is almost certainly a person,
// while a word the corpus uses constantly almost certainly is not.
package names

import (
	_ "embed"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"anonamoose/internal/pii"
	"anonamoose/internal/token"
)

//go:embed data/names.txt
var namesData string

//go:embed data/words.txt
var wordsData string

const (
	// DefaultFrequencyThreshold splits common English words from rare
	// ones. A known name whose everyday-word frequency clears it, such as
	// "will" or "mark", is too ambiguous to flag in lowercase at all.
	DefaultFrequencyThreshold = 10000

	// Category tags every heuristic name detection.
	Category = "PERSON"

	minCandidateLen = 3
)

var candidateRe = regexp.MustCompile(`\b[A-Za-z][A-Za-z']+\b`)

var (
	corpusOnce sync.Once
	nameSet    map[string]struct{}
	wordFreq   map[string]int
)

func loadCorpora() {
	corpusOnce.Do(func() {
		nameSet = make(map[string]struct{}, 1<<10)
		for _, line := range strings.Split(namesData, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				nameSet[line] = struct{}{}
			}
		}
		wordFreq = make(map[string]int, 1<<11)
		for _, line := range strings.Split(wordsData, "\n") {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				continue
			}
			wordFreq[fields[0]] = n
		}
	})
}

// Words that satisfy the scoring table but are overwhelmingly not people:
// weekdays, months, nationalities and demonyms, religions and adherents.
var excludedWords = func() map[string]struct{} {
	const list = `
		monday tuesday wednesday thursday friday saturday sunday

		january february march april may june july august september
		october november december

		aboriginal afghan american argentinian australian austrian belgian
		brazilian british canadian chilean chinese colombian croatian cuban
		czech danish dutch egyptian english ethiopian european filipino
		finnish french german greek hungarian indian indonesian iranian
		iraqi irish israeli italian jamaican japanese kenyan korean
		lebanese malaysian maori mexican moroccan nigerian norwegian
		pakistani peruvian polish portuguese romanian russian samoan
		scottish serbian singaporean somali spanish swedish swiss thai
		tongan turkish ukrainian vietnamese welsh

		agnostic anglican atheist baptist buddhism buddhist catholic
		catholicism christian christianity hindu hinduism islam islamic
		jewish judaism methodist mormon muslim orthodox presbyterian
		protestant quaker sikh sikhism`

	set := make(map[string]struct{})
	for _, w := range strings.Fields(list) {
		set[w] = struct{}{}
	}
	return set
}()

// Layer is the heuristic name detector. It is stateless beyond the shared
// corpora and safe for concurrent use.
type Layer struct {
	threshold int
}

// New returns a Layer using the given frequency threshold, or
// DefaultFrequencyThreshold when threshold is not positive. The embedded
// corpora are parsed once per process.
func New(threshold int) *Layer {
	if threshold <= 0 {
		threshold = DefaultFrequencyThreshold
	}
	loadCorpora()
	return &Layer{threshold: threshold}
}

// Redact scans text for probable personal names and replaces each accepted
// candidate with a placeholder. Repeated values share one placeholder, keyed
// case-insensitively to match the dedup the session store applies on merge.
func (l *Layer) Redact(text string, minter token.Minter) (string, []pii.TokenBinding, []pii.Detection) {
	if text == "" {
		return text, nil, nil
	}

	var (
		detections []pii.Detection
		bindings   []pii.TokenBinding
		spans      []token.Span
	)
	reused := make(map[string]string)

	for _, loc := range candidateRe.FindAllStringIndex(text, -1) {
		w := text[loc[0]:loc[1]]
		if len(w) < minCandidateLen {
			continue
		}
		lower := strings.ToLower(w)
		if _, skip := excludedWords[lower]; skip {
			continue
		}
		conf, ok := l.score(w, lower, atSentenceStart(text, loc[0]))
		if !ok {
			continue
		}

		detections = append(detections, pii.Detection{
			Layer:      pii.LayerNames,
			Category:   Category,
			Value:      w,
			StartIndex: loc[0],
			EndIndex:   loc[1],
			Confidence: conf,
		})

		ph, seen := reused[lower]
		if !seen {
			ph = minter.NewPlaceholder()
			reused[lower] = ph
			bindings = append(bindings, pii.TokenBinding{
				Placeholder: ph,
				Original:    w,
				Layer:       pii.LayerNames,
				Category:    Category,
			})
		}
		spans = append(spans, token.Span{Start: loc[0], End: loc[1], Replacement: ph})
	}

	return token.ReplaceSpans(text, spans), bindings, detections
}

// score applies the lookup table. The strongest signal is a known given
// name that is not an ordinary English word; the rest trades the name list
// against how common the word is in running text.
func (l *Layer) score(w, lower string, sentenceStart bool) (float64, bool) {
	_, isName := nameSet[lower]
	freq, isEnglish := wordFreq[lower]
	capitalized := w[0] >= 'A' && w[0] <= 'Z'

	var conf float64
	switch {
	case isName && !isEnglish && capitalized:
		conf = 0.85
	case isName && !isEnglish:
		conf = 0.65
	case isName && capitalized && freq < l.threshold:
		conf = 0.70
	case isName && capitalized:
		conf = 0.50
	case isName && freq < l.threshold:
		conf = 0.45
	case isName:
		return 0, false
	case !isEnglish && capitalized:
		conf = 0.70
	default:
		return 0, false
	}

	// Sentence position capitalizes ordinary words too, so an unknown word
	// at a sentence start proves nothing. A known name still counts, with
	// the capitalization evidence discounted.
	if sentenceStart {
		if !isName {
			return 0, false
		}
		if capitalized {
			conf -= 0.15
		} else {
			conf -= 0.20
		}
	}
	return conf, true
}

// atSentenceStart reports whether the candidate at byte offset is the first
// word of the text or follows a sentence terminator.
func atSentenceStart(text string, offset int) bool {
	for i := offset - 1; i >= 0; i-- {
		switch text[i] {
		case ' ', '\t', '\n', '\r':
			continue
		case '.', '?', '!':
			return true
		default:
			return false
		}
	}
	return true
}
