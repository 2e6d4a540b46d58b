// Package proxy implements the interception surface: the OpenAI- and
// Anthropic-compatible chat endpoints with request redaction and response
// rehydration, the unredacted OpenAI passthrough, the direct redaction
// endpoint and the health probe.
//
// Request path: body text fields → redaction pipeline → placeholders
// accumulate in the in-memory session map and the durable store → rewritten
// body travels upstream. Response path: placeholders are substituted back
// from a snapshot of the session map, event-by-event for SSE streams and by
// a recursive JSON walk otherwise.
package proxy

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"anonamoose/internal/config"
	"anonamoose/internal/metrics"
	"anonamoose/internal/patterns"
	"anonamoose/internal/pii"
	"anonamoose/internal/pipeline"
	"anonamoose/internal/ring"
	"anonamoose/internal/store"
)

// Session control headers.
const (
	HeaderSession = "x-anonamoose-session"
	HeaderRedact  = "x-anonamoose-redact"
	HeaderHydrate = "x-anonamoose-hydrate"
)

// Upstream bases. Overridden in tests.
const (
	openAIBase    = "https://api.openai.com"
	anthropicBase = "https://api.anthropic.com"

	defaultAnthropicVersion = "2023-06-01"
)

// maxRedactChars caps the direct-redaction endpoint's input.
const maxRedactChars = 100_000

// Server is the interception surface.
type Server struct {
	cfg        *config.Config
	pipe       *pipeline.Pipeline
	store      *store.Store
	metrics    *metrics.Metrics
	requests   *ring.RequestLog
	redactions *ring.RedactionLog
	sessions   *sessionMap
	client     *http.Client
	log        *zap.Logger

	openAIBase    string
	anthropicBase string
}

// New wires the interception surface. The returned server shares one
// upstream transport across every request.
func New(cfg *config.Config, pipe *pipeline.Pipeline, st *store.Store, m *metrics.Metrics, requests *ring.RequestLog, redactions *ring.RedactionLog, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:           cfg,
		pipe:          pipe,
		store:         st,
		metrics:       m,
		requests:      requests,
		redactions:    redactions,
		sessions:      newSessionMap(),
		client:        &http.Client{Transport: newTransport()},
		log:           log,
		openAIBase:    openAIBase,
		anthropicBase: anthropicBase,
	}
}

// SweepSessions evicts idle in-memory session maps. Wired to the 5-minute
// scheduler cadence.
func (s *Server) SweepSessions() int { return s.sessions.Sweep() }

// SessionCount reports resident in-memory sessions for /stats.
func (s *Server) SessionCount() int { return s.sessions.Len() }

// Register binds the proxy routes. Static routes win over the /v1/*
// passthrough wildcard, so the chat endpoints shadow it.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/chat/completions", s.handleOpenAI)
	e.POST("/chat/completions", s.handleOpenAI)
	e.POST("/v1/messages", s.handleAnthropic)
	e.POST("/messages", s.handleAnthropic)
	e.Any("/v1/*", s.handlePassthrough)
	e.Any("/models", s.handlePassthrough)
	e.Any("/embeddings", s.handlePassthrough)
	e.POST("/api/v1/redact", s.handleRedact)
	e.GET("/health", s.handleHealth)
}

func (s *Server) handleOpenAI(c echo.Context) error {
	return s.intercept(c, providerOpenAI, s.openAIBase)
}

func (s *Server) handleAnthropic(c echo.Context) error {
	return s.intercept(c, providerAnthropic, s.anthropicBase)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// intercept is the redact-forward-hydrate path shared by both providers.
func (s *Server) intercept(c echo.Context, provider, base string) error {
	start := time.Now()
	req := c.Request()
	s.metrics.RequestsTotal.Add(1)

	if req.Header.Get(echo.HeaderAuthorization) == "" {
		s.logRequest(c, http.StatusUnauthorized, start, "")
		return c.JSON(http.StatusUnauthorized, errBody("missing Authorization header"))
	}

	sessionID := req.Header.Get(HeaderSession)
	if !store.ValidSessionID(sessionID) {
		sessionID = store.NewSessionID()
	}
	c.Response().Header().Set(HeaderSession, sessionID)
	redactOn := headerBool(req, HeaderRedact, true)
	hydrateOn := headerBool(req, HeaderHydrate, true)

	body, err := io.ReadAll(req.Body)
	if err != nil {
		s.logRequest(c, http.StatusBadRequest, start, sessionID)
		return c.JSON(http.StatusBadRequest, errBody("unreadable request body"))
	}

	outBody := body
	if redactOn {
		var doc map[string]any
		if json.Unmarshal(body, &doc) == nil {
			outcome, rerr := redactChatBody(req.Context(), doc, provider, func(ctx context.Context, text string) (pipeline.Result, error) {
				return s.pipe.Redact(ctx, sessionID, text)
			})
			if rerr != nil {
				// Storage failed mid-redaction: forwarding now could leak
				// PII we have no mapping for. Fail the request instead.
				s.metrics.ErrorsRedaction.Add(1)
				s.log.Error("redaction failed", zap.String("provider", provider), zap.Error(rerr))
				s.logRequest(c, http.StatusInternalServerError, start, sessionID)
				return c.JSON(http.StatusInternalServerError, errBody("internal server error"))
			}
			s.recordRedaction(provider, sessionID, outcome)
			if outBody, err = json.Marshal(doc); err != nil {
				s.logRequest(c, http.StatusInternalServerError, start, sessionID)
				return c.JSON(http.StatusInternalServerError, errBody("internal server error"))
			}
		}
		s.metrics.RequestsRedacted.Add(1)
	}

	resp, err := s.forward(req, provider, base, outBody)
	if err != nil {
		s.metrics.ErrorsUpstream.Add(1)
		s.log.Warn("upstream request failed", zap.String("provider", provider), zap.Error(err))
		s.logRequest(c, http.StatusBadGateway, start, sessionID)
		return c.JSON(http.StatusBadGateway, errBody("upstream unreachable"))
	}
	defer resp.Body.Close()
	s.metrics.RecordUpstreamLatency(time.Since(start))
	if resp.StatusCode >= 300 {
		s.metrics.ErrorsUpstream.Add(1)
	}

	// Snapshot before any response byte is relayed: bindings added by
	// concurrent requests for this session must not affect this stream.
	var replacer *strings.Replacer
	if hydrateOn {
		if snapshot := s.sessions.Snapshot(sessionID); len(snapshot) > 0 {
			replacer = newReplacer(snapshot)
			s.metrics.TokensHydrated.Add(int64(len(snapshot)))
		}
	}

	defer s.logRequest(c, resp.StatusCode, start, sessionID)
	if isSSE(resp) {
		return s.relayStream(c, resp, replacer)
	}
	return s.relayJSON(c, resp, replacer)
}

// forward sends the (possibly rewritten) body upstream on the client's
// context, so a client disconnect cancels the upstream call.
func (s *Server) forward(req *http.Request, provider, base string, body []byte) (*http.Response, error) {
	path := req.URL.Path
	if !strings.HasPrefix(path, "/v1/") {
		path = "/v1" + path
	}
	url := base + path
	if req.URL.RawQuery != "" {
		url += "?" + req.URL.RawQuery
	}

	ureq, err := http.NewRequestWithContext(req.Context(), req.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	ureq.Header = upstreamHeader(req.Header)
	ureq.ContentLength = int64(len(body))
	if provider == providerAnthropic && ureq.Header.Get("anthropic-version") == "" {
		ureq.Header.Set("anthropic-version", defaultAnthropicVersion)
	}
	return s.client.Do(ureq)
}

// relayStream pumps an SSE response through the event splitter, hydrating
// each complete event. A client disconnect surfaces as a write error and
// ends the pump; the deferred body close then severs the upstream read.
func (s *Server) relayStream(c echo.Context, resp *http.Response, replacer *strings.Replacer) error {
	res := c.Response()
	copyResponseHeader(res.Header(), resp.Header)
	res.WriteHeader(resp.StatusCode)

	rewrite := func(event []byte) []byte { return event }
	if replacer != nil {
		rewrite = func(event []byte) []byte {
			return []byte(replacer.Replace(string(event)))
		}
	}
	if err := pumpSSE(res, resp.Body, rewrite, func() { res.Flush() }); err != nil {
		s.log.Debug("stream ended early", zap.Error(err))
	}
	return nil
}

// relayJSON buffers a non-streaming response, hydrates its string leaves
// and forwards status and body through — upstream errors included.
func (s *Server) relayJSON(c echo.Context, resp *http.Response, replacer *strings.Replacer) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.JSON(http.StatusBadGateway, errBody("upstream read failed"))
	}
	if replacer != nil {
		var doc any
		if json.Unmarshal(body, &doc) == nil {
			if hydrated, merr := json.Marshal(hydrateValue(doc, replacer, 0)); merr == nil {
				body = hydrated
			}
		} else {
			body = []byte(replacer.Replace(string(body)))
		}
	}
	res := c.Response()
	copyResponseHeader(res.Header(), resp.Header)
	res.WriteHeader(resp.StatusCode)
	_, err = res.Write(body)
	return err
}

// handlePassthrough forwards OpenAI traffic verbatim: no redaction, no
// hydration, body streamed both ways.
func (s *Server) handlePassthrough(c echo.Context) error {
	start := time.Now()
	req := c.Request()
	s.metrics.RequestsTotal.Add(1)
	s.metrics.RequestsPassthrough.Add(1)

	path := req.URL.Path
	if !strings.HasPrefix(path, "/v1/") {
		path = "/v1" + path
	}
	url := s.openAIBase + path
	if req.URL.RawQuery != "" {
		url += "?" + req.URL.RawQuery
	}

	ureq, err := http.NewRequestWithContext(req.Context(), req.Method, url, req.Body)
	if err != nil {
		return c.JSON(http.StatusBadGateway, errBody("upstream unreachable"))
	}
	ureq.Header = upstreamHeader(req.Header)
	resp, err := s.client.Do(ureq)
	if err != nil {
		s.metrics.ErrorsUpstream.Add(1)
		s.logRequest(c, http.StatusBadGateway, start, "")
		return c.JSON(http.StatusBadGateway, errBody("upstream unreachable"))
	}
	defer resp.Body.Close()

	res := c.Response()
	copyResponseHeader(res.Header(), resp.Header)
	res.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(res, resp.Body)
	s.logRequest(c, resp.StatusCode, start, "")
	return nil
}

// handleRedact is the direct redaction endpoint: text in, redacted text,
// session id and value-stripped detections out.
func (s *Server) handleRedact(c echo.Context) error {
	start := time.Now()
	s.metrics.RequestsTotal.Add(1)
	if !s.authorized(c.Request()) {
		return c.JSON(http.StatusUnauthorized, errBody("unauthorized"))
	}

	// Locale is raw so an explicit null stays distinguishable from an
	// absent field: absent defers to the configured setting, null forces
	// the full pattern catalogue.
	var req struct {
		Text   string          `json:"text"`
		Locale json.RawMessage `json:"locale"`
	}
	if err := c.Bind(&req); err != nil || req.Text == "" {
		return c.JSON(http.StatusBadRequest, errBody("body must be {\"text\": \"...\"}"))
	}
	if utf8.RuneCountInString(req.Text) > maxRedactChars {
		return c.JSON(http.StatusBadRequest, errBody("text exceeds 100000 characters"))
	}

	sessionID := c.Request().Header.Get(HeaderSession)
	if !store.ValidSessionID(sessionID) {
		sessionID = store.NewSessionID()
	}
	c.Response().Header().Set(HeaderSession, sessionID)

	var (
		res pipeline.Result
		err error
	)
	switch {
	case len(req.Locale) == 0:
		res, err = s.pipe.Redact(c.Request().Context(), sessionID, req.Text)
	case string(req.Locale) == "null":
		res, err = s.pipe.RedactWithLocale(c.Request().Context(), sessionID, req.Text, "")
	default:
		var locale string
		if json.Unmarshal(req.Locale, &locale) != nil || !patterns.ValidLocale(locale) {
			return c.JSON(http.StatusBadRequest, errBody("locale must be AU, NZ, UK, US or null"))
		}
		res, err = s.pipe.RedactWithLocale(c.Request().Context(), sessionID, req.Text, locale)
	}
	if err != nil {
		s.metrics.ErrorsRedaction.Add(1)
		if errors.Is(err, store.ErrInvalidInput) {
			return c.JSON(http.StatusBadRequest, errBody(err.Error()))
		}
		s.log.Error("direct redaction failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errBody("internal server error"))
	}
	s.metrics.RecordRedactLatency(time.Since(start))

	outcome := &redactOutcome{Bindings: res.Bindings, Detections: res.Detections}
	outcome.Input.WriteString(req.Text)
	outcome.Output.WriteString(res.Text)
	s.recordRedaction("api", sessionID, outcome)

	detections := make([]pii.Detection, len(res.Detections))
	for i, d := range res.Detections {
		detections[i] = d.Redacted()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"redactedText": res.Text,
		"sessionId":    sessionID,
		"detections":   detections,
	})
}

// recordRedaction updates the session map, the counters and the redaction
// ring for one completed redaction pass.
func (s *Server) recordRedaction(source, sessionID string, outcome *redactOutcome) {
	s.sessions.Add(sessionID, outcome.Bindings)
	s.metrics.TokensMinted.Add(int64(len(outcome.Bindings)))
	perLayer := make(map[pii.Layer]int)
	for _, d := range outcome.Detections {
		perLayer[d.Layer]++
	}
	for layer, n := range perLayer {
		s.metrics.RecordDetections(layer, n)
	}
	if len(outcome.Detections) > 0 {
		s.redactions.Add(ring.RedactionEntry{
			Source:          source,
			SessionID:       sessionID,
			InputPreview:    outcome.Input.String(),
			RedactedPreview: outcome.Output.String(),
			Detections:      outcome.Detections,
		})
	}
}

func (s *Server) logRequest(c echo.Context, status int, start time.Time, sessionID string) {
	s.requests.Add(ring.RequestEntry{
		Method:     c.Request().Method,
		Path:       c.Request().URL.Path,
		Status:     status,
		IP:         c.RealIP(),
		DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
		SessionID:  sessionID,
	})
}

// authorized checks the API token with a constant-time comparison. An empty
// configured token locks the endpoint rather than opening it.
func (s *Server) authorized(req *http.Request) bool {
	if s.cfg.APIToken == "" {
		return false
	}
	auth := req.Header.Get(echo.HeaderAuthorization)
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.cfg.APIToken)) == 1
}

func headerBool(req *http.Request, name string, def bool) bool {
	switch strings.ToLower(req.Header.Get(name)) {
	case "true":
		return true
	case "false":
		return false
	}
	return def
}

func isSSE(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get(echo.HeaderContentType), "text/event-stream")
}

// copyResponseHeader forwards upstream headers minus hop-by-hop ones and
// Content-Length, which hydration may have invalidated.
func copyResponseHeader(dst, src http.Header) {
	cloned := src.Clone()
	removeHopByHop(cloned)
	cloned.Del(echo.HeaderContentLength)
	copyHeader(dst, cloned)
}

func errBody(msg string) map[string]string { return map[string]string{"error": msg} }
