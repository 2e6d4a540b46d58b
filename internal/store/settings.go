// Package store — settings.go
//
// Durable key/value settings with live-read semantics: every redaction call
// takes a fresh Settings snapshot, so configuration changes apply without a
// restart and without any cache invalidation protocol.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"anonamoose/internal/patterns"
	"anonamoose/internal/token"
)

// Settings is one coherent snapshot of the recognized keys.
type Settings struct {
	EnableDictionary     bool    `json:"enableDictionary"`
	EnableNER            bool    `json:"enableNER"`
	EnableRegex          bool    `json:"enableRegex"`
	EnableNames          bool    `json:"enableNames"`
	NERModel             string  `json:"nerModel"`
	NERMinConfidence     float64 `json:"nerMinConfidence"`
	Locale               string  `json:"locale"`
	TokenizePlaceholders bool    `json:"tokenizePlaceholders"`
	PlaceholderPrefix    string  `json:"placeholderPrefix"`
	PlaceholderSuffix    string  `json:"placeholderSuffix"`
}

// DefaultSettings returns the values in force before any PUT.
func DefaultSettings() Settings {
	return Settings{
		EnableDictionary:     true,
		EnableNER:            true,
		EnableRegex:          true,
		EnableNames:          true,
		NERModel:             "Xenova/bert-base-NER",
		NERMinConfidence:     0.6,
		Locale:               "",
		TokenizePlaceholders: true,
		PlaceholderPrefix:    token.DefaultPrefix,
		PlaceholderSuffix:    token.DefaultSuffix,
	}
}

// SettingKeys lists every recognized key, in the order GET /settings
// reports them.
var SettingKeys = []string{
	"enableDictionary", "enableNER", "enableRegex", "enableNames",
	"nerModel", "nerMinConfidence", "locale", "tokenizePlaceholders",
	"placeholderPrefix", "placeholderSuffix",
}

// settingRow is the persisted shape of one key.
type settingRow struct {
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Settings returns a fresh snapshot: defaults overlaid with every persisted
// key. Storage errors are surfaced so callers can refuse to proceed rather
// than redact under configuration they could not read.
func (s *Store) Settings() (Settings, error) {
	st := DefaultSettings()
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		for _, key := range SettingKeys {
			raw := b.Get([]byte(key))
			if raw == nil {
				continue
			}
			var row settingRow
			if err := json.Unmarshal(raw, &row); err != nil {
				return fmt.Errorf("decode setting %s: %w", key, err)
			}
			if err := applySetting(&st, key, row.Value); err != nil {
				return err
			}
		}
		return nil
	})
	return st, err
}

// Setting returns the effective value of one key (the default when no row
// exists). Unknown keys are ErrNotFound.
func (s *Store) Setting(key string) (any, error) {
	st, err := s.Settings()
	if err != nil {
		return nil, err
	}
	switch key {
	case "enableDictionary":
		return st.EnableDictionary, nil
	case "enableNER":
		return st.EnableNER, nil
	case "enableRegex":
		return st.EnableRegex, nil
	case "enableNames":
		return st.EnableNames, nil
	case "nerModel":
		return st.NERModel, nil
	case "nerMinConfidence":
		return st.NERMinConfidence, nil
	case "locale":
		if st.Locale == "" {
			return nil, nil // null on the wire
		}
		return st.Locale, nil
	case "tokenizePlaceholders":
		return st.TokenizePlaceholders, nil
	case "placeholderPrefix":
		return st.PlaceholderPrefix, nil
	case "placeholderSuffix":
		return st.PlaceholderSuffix, nil
	}
	return nil, fmt.Errorf("%w: setting %q", ErrNotFound, key)
}

// PutSettings validates and persists the provided keys only, leaving the
// rest untouched. It reports whether nerModel changed so the caller can
// reset the NER handle. Unknown keys or malformed values are
// ErrInvalidInput and nothing is written.
func (s *Store) PutSettings(partial map[string]json.RawMessage) (nerModelChanged bool, err error) {
	if len(partial) == 0 {
		return false, fmt.Errorf("%w: no settings provided", ErrInvalidInput)
	}
	// Validate everything against a scratch snapshot before writing.
	scratch := DefaultSettings()
	for key, raw := range partial {
		if err := applySetting(&scratch, key, raw); err != nil {
			return false, err
		}
	}

	before, err := s.Settings()
	if err != nil {
		return false, err
	}

	now := s.now()
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		for key, raw := range partial {
			row, err := json.Marshal(settingRow{Value: normalizeSetting(key, raw), UpdatedAt: now})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(key), row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	after, err := s.Settings()
	if err != nil {
		return false, err
	}
	return before.NERModel != after.NERModel, nil
}

// applySetting decodes raw into the snapshot field for key, enforcing the
// per-key value constraints.
func applySetting(st *Settings, key string, raw json.RawMessage) error {
	badValue := func(msg string) error {
		return fmt.Errorf("%w: setting %s %s", ErrInvalidInput, key, msg)
	}
	switch key {
	case "enableDictionary", "enableNER", "enableRegex", "enableNames", "tokenizePlaceholders":
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return badValue("must be a boolean")
		}
		switch key {
		case "enableDictionary":
			st.EnableDictionary = v
		case "enableNER":
			st.EnableNER = v
		case "enableRegex":
			st.EnableRegex = v
		case "enableNames":
			st.EnableNames = v
		case "tokenizePlaceholders":
			st.TokenizePlaceholders = v
		}
	case "nerModel":
		var v string
		if err := json.Unmarshal(raw, &v); err != nil || v == "" {
			return badValue("must be a non-empty string")
		}
		st.NERModel = v
	case "nerMinConfidence":
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil || v <= 0 || v > 1 {
			return badValue("must be a number in (0,1]")
		}
		st.NERMinConfidence = v
	case "locale":
		if string(raw) == "null" {
			st.Locale = ""
			return nil
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil || !patterns.ValidLocale(v) {
			return badValue("must be one of AU, NZ, UK, US or null")
		}
		st.Locale = v
	case "placeholderPrefix", "placeholderSuffix":
		var v string
		if err := json.Unmarshal(raw, &v); err != nil || v == "" {
			return badValue("must be a non-empty string")
		}
		if key == "placeholderPrefix" {
			st.PlaceholderPrefix = v
		} else {
			st.PlaceholderSuffix = v
		}
	default:
		return fmt.Errorf("%w: unknown setting %q", ErrInvalidInput, key)
	}
	return nil
}

// normalizeSetting canonicalizes values whose wire form has aliases, so
// reads do not have to handle both (locale null ≡ "").
func normalizeSetting(key string, raw json.RawMessage) json.RawMessage {
	if key == "locale" && string(raw) == "null" {
		return json.RawMessage(`""`)
	}
	return raw
}
