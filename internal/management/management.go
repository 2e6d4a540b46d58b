// Package management is the administrative surface under /api/v1: the
// dictionary, session, settings, stats and observability-ring endpoints.
//
// Every route except /stats/public and /admin/verify requires the API
// bearer token; /stats and /storage also accept the stats token. All token
// comparisons are constant-time. Session listings mask originals — the only
// route that emits real values is POST /sessions/:id/hydrate.
package management

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"anonamoose/internal/config"
	"anonamoose/internal/dictionary"
	"anonamoose/internal/metrics"
	"anonamoose/internal/ner"
	"anonamoose/internal/pii"
	"anonamoose/internal/ring"
	"anonamoose/internal/store"
	"anonamoose/internal/token"
)

// maskedOriginal replaces every original value in session listings.
const maskedOriginal = "[REDACTED]"

// Dictionary listing pagination bounds.
const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// Server holds the handlers' dependencies.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	dict       *dictionary.Dictionary
	entities   *ner.Layer
	metrics    *metrics.Metrics
	requests   *ring.RequestLog
	redactions *ring.RedactionLog
	log        *zap.Logger

	// sessionCount reports the proxy's resident in-memory session maps
	// for /stats; nil reads as zero.
	sessionCount func() int
}

func New(cfg *config.Config, st *store.Store, dict *dictionary.Dictionary, entities *ner.Layer, m *metrics.Metrics, requests *ring.RequestLog, redactions *ring.RedactionLog, sessionCount func() int, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		store:        st,
		dict:         dict,
		entities:     entities,
		metrics:      m,
		requests:     requests,
		redactions:   redactions,
		sessionCount: sessionCount,
		log:          log,
	}
}

// Register binds the management routes.
func (s *Server) Register(e *echo.Echo) {
	api := e.Group("/api/v1")

	api.GET("/stats/public", s.handleStatsPublic)
	api.POST("/admin/verify", s.handleAdminVerify)

	stats := api.Group("", s.requireToken(s.statsTokens))
	stats.GET("/stats", s.handleStats)
	stats.GET("/storage", s.handleStorage)

	admin := api.Group("", s.requireToken(s.adminTokens))
	admin.GET("/dictionary", s.handleDictList)
	admin.POST("/dictionary", s.handleDictAdd)
	admin.DELETE("/dictionary", s.handleDictRemove)
	admin.POST("/dictionary/flush", s.handleDictFlush)
	admin.DELETE("/dictionary/by-terms", s.handleDictRemoveByTerms)

	admin.GET("/sessions", s.handleSessionList)
	admin.GET("/sessions/search", s.handleSessionSearch)
	admin.GET("/sessions/:id", s.handleSessionGet)
	admin.DELETE("/sessions/:id", s.handleSessionDelete)
	admin.DELETE("/sessions", s.handleSessionDeleteAll)
	admin.POST("/sessions/:id/hydrate", s.handleSessionHydrate)
	admin.POST("/sessions/:id/extend", s.handleSessionExtend)
	admin.POST("/sessions/:id/tokens", s.handleSessionTokens)

	admin.GET("/settings", s.handleSettingsGet)
	admin.PUT("/settings", s.handleSettingsPut)
	admin.GET("/settings/:key", s.handleSettingGet)

	admin.GET("/logs", s.handleLogsGet)
	admin.DELETE("/logs", s.handleLogsClear)
	admin.GET("/redactions", s.handleRedactionsGet)
	admin.DELETE("/redactions", s.handleRedactionsClear)
}

// --- auth ---

func (s *Server) adminTokens() []string {
	return []string{s.cfg.APIToken}
}

func (s *Server) statsTokens() []string {
	return []string{s.cfg.APIToken, s.cfg.StatsToken}
}

// requireToken builds a bearer middleware over a token set. Comparison is
// constant-time per candidate; an all-empty set locks the routes rather
// than opening them.
func (s *Server) requireToken(tokens func() []string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if tokenMatches(c.Request().Header.Get(echo.HeaderAuthorization), tokens()) {
				return next(c)
			}
			s.log.Warn("unauthorized management request",
				zap.String("path", c.Request().URL.Path),
				zap.String("ip", c.RealIP()))
			return c.JSON(http.StatusUnauthorized, errBody("unauthorized"))
		}
	}
}

func tokenMatches(auth string, tokens []string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	presented := []byte(strings.TrimSpace(auth[len(prefix):]))
	ok := false
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if subtle.ConstantTimeCompare(presented, []byte(t)) == 1 {
			ok = true
		}
	}
	return ok
}

// handleAdminVerify validates a presented token for the admin UI. No auth:
// the endpoint only answers yes or no, in constant time.
func (s *Server) handleAdminVerify(c echo.Context) error {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("body must be {\"token\": \"...\"}"))
	}
	valid := s.cfg.APIToken != "" &&
		subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.cfg.APIToken)) == 1
	return c.JSON(http.StatusOK, map[string]bool{"valid": valid})
}

// --- dictionary ---

type dictEntryRequest struct {
	Term          string `json:"term"`
	Replacement   string `json:"replacement"`
	CaseSensitive bool   `json:"caseSensitive"`
	WholeWord     bool   `json:"wholeWord"`
	Enabled       *bool  `json:"enabled"`
}

func (r dictEntryRequest) toEntry() dictionary.Entry {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return dictionary.Entry{
		Term:          r.Term,
		Replacement:   r.Replacement,
		CaseSensitive: r.CaseSensitive,
		WholeWord:     r.WholeWord,
		Enabled:       enabled,
	}
}

func (s *Server) handleDictList(c echo.Context) error {
	page := queryInt(c, "page", 1)
	if page < 1 {
		page = 1
	}
	limit := queryInt(c, "limit", defaultPageLimit)
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	q := strings.ToLower(c.QueryParam("q"))

	entries := s.dict.List()
	if q != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if strings.Contains(strings.ToLower(e.Term), q) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	total := len(entries)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return c.JSON(http.StatusOK, map[string]any{
		"entries": entries[start:end],
		"total":   total,
		"page":    page,
		"limit":   limit,
	})
}

// handleDictAdd accepts one entry or {"entries": [...]}. A duplicate term
// is a 409 and nothing from the batch is applied.
func (s *Server) handleDictAdd(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody("unreadable request body"))
	}

	var batch struct {
		Entries []dictEntryRequest `json:"entries"`
	}
	var reqs []dictEntryRequest
	if err := json.Unmarshal(body, &batch); err == nil && len(batch.Entries) > 0 {
		reqs = batch.Entries
	} else {
		var single dictEntryRequest
		if err := json.Unmarshal(body, &single); err != nil || single.Term == "" {
			return c.JSON(http.StatusBadRequest, errBody("body must be an entry or {\"entries\": [...]}"))
		}
		reqs = []dictEntryRequest{single}
	}

	entries := make([]dictionary.Entry, len(reqs))
	for i, r := range reqs {
		entries[i] = r.toEntry()
	}
	if err := s.dict.Add(entries); err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"added": len(entries)})
}

func (s *Server) handleDictRemove(c echo.Context) error {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.Bind(&req); err != nil || len(req.IDs) == 0 {
		return c.JSON(http.StatusBadRequest, errBody("body must be {\"ids\": [...]}"))
	}
	n, err := s.dict.RemoveByID(req.IDs)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleDictRemoveByTerms(c echo.Context) error {
	var req struct {
		Terms []string `json:"terms"`
	}
	if err := c.Bind(&req); err != nil || len(req.Terms) == 0 {
		return c.JSON(http.StatusBadRequest, errBody("body must be {\"terms\": [...]}"))
	}
	n, err := s.dict.RemoveByTerm(req.Terms)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleDictFlush(c echo.Context) error {
	n, err := s.dict.Clear()
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": n})
}

// --- sessions ---

// maskSession strips originals and meta values from a session for listings.
func maskSession(sess store.Session) store.Session {
	masked := make([]pii.TokenBinding, len(sess.Tokens))
	for i, tb := range sess.Tokens {
		tb.Original = maskedOriginal
		tb.Meta = nil
		masked[i] = tb
	}
	sess.Tokens = masked
	return sess
}

func maskSessions(sessions []store.Session) []store.Session {
	out := make([]store.Session, len(sessions))
	for i, sess := range sessions {
		out[i] = maskSession(sess)
	}
	return out
}

func (s *Server) handleSessionList(c echo.Context) error {
	sessions, err := s.store.GetAll()
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sessions": maskSessions(sessions),
		"count":    len(sessions),
	})
}

func (s *Server) handleSessionSearch(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return c.JSON(http.StatusBadRequest, errBody("query parameter q is required"))
	}
	sessions, err := s.store.Search(q)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sessions": maskSessions(sessions),
		"count":    len(sessions),
	})
}

func (s *Server) handleSessionGet(c echo.Context) error {
	sess, err := s.store.Retrieve(c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, maskSession(*sess))
}

func (s *Server) handleSessionDelete(c echo.Context) error {
	deleted, err := s.store.Delete(c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	if !deleted {
		return c.JSON(http.StatusNotFound, errBody("session not found"))
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleSessionDeleteAll(c echo.Context) error {
	n, err := s.store.DeleteAll()
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"deleted": n})
}

// handleSessionHydrate is the one route that emits real originals.
func (s *Server) handleSessionHydrate(c echo.Context) error {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.Bind(&req); err != nil || req.Text == "" {
		return c.JSON(http.StatusBadRequest, errBody("body must be {\"text\": \"...\"}"))
	}
	text, err := s.store.Hydrate(req.Text, c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	s.metrics.TokensHydrated.Add(1)
	return c.JSON(http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleSessionExtend(c echo.Context) error {
	var req struct {
		TTL int `json:"ttl"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("body must be {\"ttl\": seconds}"))
	}
	extended, err := s.store.Extend(c.Param("id"), time.Duration(req.TTL)*time.Second)
	if err != nil {
		return s.mapError(c, err)
	}
	if !extended {
		return c.JSON(http.StatusNotFound, errBody("session not found"))
	}
	return c.JSON(http.StatusOK, map[string]bool{"extended": true})
}

// handleSessionTokens binds administrator-supplied originals into a session,
// minting a placeholder for each. Used to pre-seed sessions.
func (s *Server) handleSessionTokens(c echo.Context) error {
	var req struct {
		Tokens   []string          `json:"tokens"`
		Type     string            `json:"type"`
		Category string            `json:"category"`
		TTL      int               `json:"ttl"`
		Meta     map[string]string `json:"meta"`
	}
	if err := c.Bind(&req); err != nil || len(req.Tokens) == 0 {
		return c.JSON(http.StatusBadRequest, errBody("body must be {\"tokens\": [...], \"type\": ..., \"category\": ...}"))
	}
	layer := pii.Layer(req.Type)
	switch layer {
	case pii.LayerDictionary, pii.LayerNER, pii.LayerRegex, pii.LayerNames:
	default:
		return c.JSON(http.StatusBadRequest, errBody("type must be one of dictionary, ner, regex, names"))
	}

	set, err := s.store.Settings()
	if err != nil {
		return s.mapError(c, err)
	}
	minter := token.NewMinter(set.PlaceholderPrefix, set.PlaceholderSuffix)
	bindings := make([]pii.TokenBinding, 0, len(req.Tokens))
	for _, original := range req.Tokens {
		if original == "" {
			continue
		}
		bindings = append(bindings, pii.TokenBinding{
			Placeholder: minter.NewPlaceholder(),
			Original:    original,
			Layer:       layer,
			Category:    req.Category,
			Meta:        req.Meta,
		})
	}
	if err := s.store.StoreTokens(c.Param("id"), bindings, time.Duration(req.TTL)*time.Second); err != nil {
		return s.mapError(c, err)
	}
	s.metrics.TokensMinted.Add(int64(len(bindings)))
	return c.JSON(http.StatusCreated, map[string]any{"added": len(bindings), "tokens": bindings})
}

// --- settings ---

func (s *Server) handleSettingsGet(c echo.Context) error {
	out := make(map[string]any, len(store.SettingKeys))
	for _, key := range store.SettingKeys {
		v, err := s.store.Setting(key)
		if err != nil {
			return s.mapError(c, err)
		}
		out[key] = v
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleSettingsPut(c echo.Context) error {
	var partial map[string]json.RawMessage
	if err := c.Bind(&partial); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("body must be a settings object"))
	}
	nerModelChanged, err := s.store.PutSettings(partial)
	if err != nil {
		return s.mapError(c, err)
	}
	if nerModelChanged && s.entities != nil {
		s.entities.Reset()
		s.log.Info("ner model changed, handle reset")
	}
	return s.handleSettingsGet(c)
}

func (s *Server) handleSettingGet(c echo.Context) error {
	key := c.Param("key")
	v, err := s.store.Setting(key)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"key": key, "value": v})
}

// --- stats, storage, rings ---

func (s *Server) handleStats(c echo.Context) error {
	liveSessions, err := s.store.Size()
	if err != nil {
		return s.mapError(c, err)
	}
	inMemory := 0
	if s.sessionCount != nil {
		inMemory = s.sessionCount()
	}
	nerState := ""
	if s.entities != nil {
		nerState = s.entities.State()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"metrics": s.metrics.Snapshot(),
		"sessions": map[string]int{
			"stored":   liveSessions,
			"inMemory": inMemory,
		},
		"dictionary": map[string]int{"entries": s.dict.Count()},
		"ner":        map[string]string{"state": nerState},
		"rings": map[string]int{
			"requests":   s.requests.Len(),
			"redactions": s.redactions.Len(),
		},
	})
}

func (s *Server) handleStatsPublic(c echo.Context) error {
	return c.JSON(http.StatusOK, s.metrics.Public())
}

func (s *Server) handleStorage(c echo.Context) error {
	st, err := s.store.Stats()
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleLogsGet(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"entries": s.requests.List()})
}

func (s *Server) handleLogsClear(c echo.Context) error {
	s.requests.Clear()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRedactionsGet(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"entries": s.redactions.List()})
}

func (s *Server) handleRedactionsClear(c echo.Context) error {
	s.redactions.Clear()
	return c.NoContent(http.StatusNoContent)
}

// --- shared helpers ---

// mapError translates component error kinds to HTTP statuses once, at the
// handler edge. Anything unrecognized is a 500 with a generic body.
func (s *Server) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrInvalidInput), errors.Is(err, dictionary.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, errBody(err.Error()))
	case errors.Is(err, store.ErrNotFound):
		return c.JSON(http.StatusNotFound, errBody(err.Error()))
	case errors.Is(err, dictionary.ErrConflict):
		return c.JSON(http.StatusConflict, errBody(err.Error()))
	default:
		s.log.Error("management request failed", zap.String("path", c.Request().URL.Path), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errBody("internal server error"))
	}
}

func queryInt(c echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func readBody(c echo.Context) ([]byte, error) {
	defer c.Request().Body.Close()
	return io.ReadAll(c.Request().Body)
}

func errBody(msg string) map[string]string { return map[string]string{"error": msg} }
