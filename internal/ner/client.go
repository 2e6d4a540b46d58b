// Package ner — client.go
//
// HTTPClassifier talks to the token-classification sidecar: one POST per
// chunk, HuggingFace pipeline output back.
package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// classifyTimeout bounds one inference round trip, including a cold
	// model download on the sidecar's side.
	classifyTimeout = 60 * time.Second

	// maxClassifyResponse caps how much of a response body is read.
	maxClassifyResponse = 10 << 20 // 10 MB
)

// RawEntity is one token-classification result as the model emits it:
// a BIO tag, the (possibly subword) piece, its score, and its position in
// the model's token stream.
type RawEntity struct {
	Entity string  `json:"entity"`
	Score  float64 `json:"score"`
	Word   string  `json:"word"`
	Index  int     `json:"index"`
}

// Classifier produces raw BIO-tagged entities for a text.
type Classifier interface {
	Classify(ctx context.Context, model, text string) ([]RawEntity, error)
}

type classifyRequest struct {
	Model    string `json:"model"`
	Text     string `json:"text"`
	CacheDir string `json:"cache_dir,omitempty"`
}

// HTTPClassifier is the production Classifier.
type HTTPClassifier struct {
	url      string
	cacheDir string
	client   *http.Client
}

// NewHTTPClassifier targets the sidecar at baseURL (the /classify path is
// appended). cacheDir, when set, is forwarded so the sidecar caches model
// downloads there.
func NewHTTPClassifier(baseURL, cacheDir string) *HTTPClassifier {
	return &HTTPClassifier{
		url:      strings.TrimRight(baseURL, "/") + "/classify",
		cacheDir: cacheDir,
		client:   &http.Client{},
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, model, text string) ([]RawEntity, error) {
	reqBody, err := json.Marshal(classifyRequest{Model: model, Text: text, CacheDir: c.cacheDir})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxClassifyResponse))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classify returned %d: %s", resp.StatusCode, firstLine(body))
	}

	var entities []RawEntity
	if err := json.Unmarshal(body, &entities); err != nil {
		return nil, fmt.Errorf("classify response parse error: %w", err)
	}
	return entities, nil
}

// firstLine trims an error body down to something loggable.
func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
