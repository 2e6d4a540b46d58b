package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"anonamoose/internal/config"
	"anonamoose/internal/dictionary"
	"anonamoose/internal/metrics"
	"anonamoose/internal/pipeline"
	"anonamoose/internal/ring"
	"anonamoose/internal/store"
	"anonamoose/internal/token"
)

const testEmail = "sarah.j@company.co.nz"

// newTestServer builds a Server over a real store and a regex-only pipeline
// (the NER and names layers are nil, which the pipeline treats as disabled).
func newTestServer(t *testing.T) (*Server, *echo.Echo, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "proxy.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dict, err := dictionary.New(st, zap.NewNop())
	if err != nil {
		t.Fatalf("dictionary.New() error = %v", err)
	}
	pipe := pipeline.New(st, dict, nil, nil, 0, zap.NewNop())

	cfg := &config.Config{APIToken: "admin-token"}
	s := New(cfg, pipe, st, metrics.New(), ring.NewRequestLog(), ring.NewRedactionLog(), zap.NewNop())
	e := echo.New()
	s.Register(e)
	return s, e, st
}

func chatBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"model":    "gpt-4",
		"messages": []map[string]any{{"role": "user", "content": content}},
	})
	return string(b)
}

func doRequest(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, e, _ := newTestServer(t)

	rec := doRequest(e, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if body["status"] != "ok" || body["timestamp"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestIntercept_MissingAuthorization(t *testing.T) {
	_, e, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody("hi")))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(e, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

// The round trip: the email must never reach the upstream, and the response
// the client sees must contain the original again.
func TestIntercept_RedactsUpstreamAndHydratesResponse(t *testing.T) {
	s, e, _ := newTestServer(t)

	var upstreamBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamBody, _ = io.ReadAll(r.Body)
		var doc map[string]any
		if err := json.Unmarshal(upstreamBody, &doc); err != nil {
			t.Errorf("upstream body not JSON: %v", err)
		}
		content := doc["messages"].([]any)[0].(map[string]any)["content"].(string)
		w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, "You wrote: "+content)
	}))
	defer upstream.Close()
	s.openAIBase = upstream.URL

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody("Email me at "+testEmail)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer sk-upstream")
	rec := doRequest(e, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(string(upstreamBody), testEmail) {
		t.Error("original email leaked upstream")
	}
	if !strings.Contains(string(upstreamBody), token.DefaultPrefix) {
		t.Error("upstream body carries no placeholder")
	}
	if !strings.Contains(rec.Body.String(), testEmail) {
		t.Errorf("response not hydrated: %s", rec.Body.String())
	}
	if sid := rec.Header().Get(HeaderSession); !store.ValidSessionID(sid) {
		t.Errorf("response session header %q is not a valid session id", sid)
	}
}

func TestIntercept_ClientSessionIDKept(t *testing.T) {
	s, e, _ := newTestServer(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		io.WriteString(w, `{"choices":[]}`)
	}))
	defer upstream.Close()
	s.openAIBase = upstream.URL

	sid := store.NewSessionID()
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(chatBody("hello")))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer sk-upstream")
	req.Header.Set(HeaderSession, sid)
	rec := doRequest(e, req)

	if got := rec.Header().Get(HeaderSession); got != sid {
		t.Errorf("session header = %q, want %q", got, sid)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(chatBody("hello")))
	req2.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req2.Header.Set(echo.HeaderAuthorization, "Bearer sk-upstream")
	req2.Header.Set(HeaderSession, "not-a-uuid")
	rec2 := doRequest(e, req2)
	if got := rec2.Header().Get(HeaderSession); !store.ValidSessionID(got) {
		t.Errorf("invalid client session id not replaced, got %q", got)
	}
}

func TestIntercept_RedactDisabledByHeader(t *testing.T) {
	s, e, _ := newTestServer(t)

	var upstreamBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamBody, _ = io.ReadAll(r.Body)
		w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		io.WriteString(w, `{"choices":[]}`)
	}))
	defer upstream.Close()
	s.openAIBase = upstream.URL

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody("Email me at "+testEmail)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer sk-upstream")
	req.Header.Set(HeaderRedact, "false")
	doRequest(e, req)

	if !strings.Contains(string(upstreamBody), testEmail) {
		t.Error("x-anonamoose-redact: false should forward the body verbatim")
	}
}

func TestIntercept_AnthropicSystemPrompt(t *testing.T) {
	s, e, _ := newTestServer(t)

	var upstreamBody []byte
	var gotVersion string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamBody, _ = io.ReadAll(r.Body)
		gotVersion = r.Header.Get("anthropic-version")
		w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		io.WriteString(w, `{"content":[]}`)
	}))
	defer upstream.Close()
	s.anthropicBase = upstream.URL

	body, _ := json.Marshal(map[string]any{
		"model":    "claude-3-5-sonnet",
		"system":   "The user is " + testEmail,
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(string(body)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer sk-ant")
	rec := doRequest(e, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(string(upstreamBody), testEmail) {
		t.Error("system prompt leaked upstream")
	}
	if gotVersion != defaultAnthropicVersion {
		t.Errorf("anthropic-version = %q, want default %q", gotVersion, defaultAnthropicVersion)
	}
}

// SSE path: each event is hydrated as a whole even when the upstream writes
// events one at a time.
func TestIntercept_StreamingHydration(t *testing.T) {
	s, e, _ := newTestServer(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err != nil {
			t.Errorf("upstream body not JSON: %v", err)
		}
		content := doc["messages"].([]any)[0].(map[string]any)["content"].(string)

		w.Header().Set(echo.HeaderContentType, "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)
		// json.Marshal keeps the placeholder's code points as raw UTF-8,
		// the way the providers stream them.
		delta, _ := json.Marshal(map[string]string{"delta": content})
		fmt.Fprintf(w, "data: %s\n\n", delta)
		fl.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		fl.Flush()
	}))
	defer upstream.Close()
	s.openAIBase = upstream.URL

	front := httptest.NewServer(e)
	defer front.Close()

	req, err := http.NewRequest(http.MethodPost, front.URL+"/v1/chat/completions", strings.NewReader(chatBody("Email me at "+testEmail)))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer sk-upstream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(out), testEmail) {
		t.Errorf("stream not hydrated: %s", out)
	}
	if !strings.Contains(string(out), "data: [DONE]") {
		t.Errorf("trailing event lost: %s", out)
	}
	if strings.Contains(string(out), token.DefaultPrefix) {
		t.Errorf("placeholder leaked to client: %s", out)
	}
}

func TestIntercept_UpstreamUnreachable(t *testing.T) {
	s, e, _ := newTestServer(t)
	s.openAIBase = "http://127.0.0.1:1" // nothing listens here

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody("hi")))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer sk-upstream")
	rec := doRequest(e, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestPassthrough_NoRedaction(t *testing.T) {
	s, e, _ := newTestServer(t)

	var upstreamBody []byte
	var upstreamPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamPath = r.URL.Path
		upstreamBody, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"data":[]}`)
	}))
	defer upstream.Close()
	s.openAIBase = upstream.URL

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(`{"input":"`+testEmail+`"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(e, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if upstreamPath != "/v1/embeddings" {
		t.Errorf("upstream path = %q", upstreamPath)
	}
	if !strings.Contains(string(upstreamBody), testEmail) {
		t.Error("passthrough must not redact")
	}
}

func TestRedactEndpoint_RequiresAuth(t *testing.T) {
	_, e, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/redact", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if rec := doRequest(e, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/redact", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer wrong")
	if rec := doRequest(e, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rec.Code)
	}
}

func TestRedactEndpoint_EmailScenario(t *testing.T) {
	_, e, st := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/redact",
		strings.NewReader(`{"text":"Email me at `+testEmail+`"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer admin-token")
	rec := doRequest(e, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		RedactedText string `json:"redactedText"`
		SessionID    string `json:"sessionId"`
		Detections   []struct {
			Type       string  `json:"type"`
			Category   string  `json:"category"`
			Value      string  `json:"value"`
			StartIndex int     `json:"startIndex"`
			EndIndex   int     `json:"endIndex"`
			Confidence float64 `json:"confidence"`
		} `json:"detections"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if len(resp.Detections) != 1 {
		t.Fatalf("detections = %d, want 1", len(resp.Detections))
	}
	d := resp.Detections[0]
	if d.Type != "regex" || d.Category != "EMAIL" || d.Confidence != 0.95 {
		t.Errorf("detection = %+v", d)
	}
	if d.Value != "" {
		t.Error("detection value must not be echoed by the API")
	}
	if strings.Contains(resp.RedactedText, testEmail) {
		t.Errorf("redactedText still contains the email: %q", resp.RedactedText)
	}
	if !strings.HasPrefix(resp.RedactedText, "Email me at "+token.DefaultPrefix) ||
		!strings.HasSuffix(resp.RedactedText, token.DefaultSuffix) {
		t.Errorf("redactedText = %q", resp.RedactedText)
	}
	if !store.ValidSessionID(resp.SessionID) {
		t.Errorf("sessionId = %q", resp.SessionID)
	}

	// The binding is persisted and hydrates back to the original.
	hydrated, err := st.Hydrate(resp.RedactedText, resp.SessionID)
	if err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	if hydrated != "Email me at "+testEmail {
		t.Errorf("Hydrate() = %q", hydrated)
	}
}

// Two calls against one session accumulate bindings with case-insensitive
// dedup across calls.
func TestRedactEndpoint_SessionAccumulation(t *testing.T) {
	_, e, st := newTestServer(t)
	sid := store.NewSessionID()

	for _, text := range []string{
		`{"text":"First: ` + testEmail + `"}`,
		`{"text":"Again: ` + strings.ToUpper(testEmail) + ` and 10.20.30.40"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/redact", strings.NewReader(text))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(echo.HeaderAuthorization, "Bearer admin-token")
		req.Header.Set(HeaderSession, sid)
		if rec := doRequest(e, req); rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
	}

	sess, err := st.Retrieve(sid)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(sess.Tokens) != 2 {
		t.Fatalf("session tokens = %d, want 2 (email deduped case-insensitively): %+v", len(sess.Tokens), sess.Tokens)
	}
}

func TestRedactEndpoint_Boundaries(t *testing.T) {
	_, e, _ := newTestServer(t)

	long := strings.Repeat("a", maxRedactChars+1)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/redact", strings.NewReader(`{"text":"`+long+`"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer admin-token")
	if rec := doRequest(e, req); rec.Code != http.StatusBadRequest {
		t.Errorf("oversized text: status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/redact", strings.NewReader(`{"text":"hi","locale":"FR"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer admin-token")
	if rec := doRequest(e, req); rec.Code != http.StatusBadRequest {
		t.Errorf("bad locale: status = %d, want 400", rec.Code)
	}
}

// An explicit "locale": null forces the full pattern catalogue; leaving the
// field out defers to the configured locale setting.
func TestRedactEndpoint_NullLocaleAppliesEveryPattern(t *testing.T) {
	_, e, st := newTestServer(t)
	if _, err := st.PutSettings(map[string]json.RawMessage{"locale": json.RawMessage(`"NZ"`)}); err != nil {
		t.Fatalf("PutSettings() error = %v", err)
	}

	redact := func(body string) int {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/redact", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(echo.HeaderAuthorization, "Bearer admin-token")
		rec := doRequest(e, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		var resp struct {
			Detections []struct {
				Category string `json:"category"`
			} `json:"detections"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("response not JSON: %v", err)
		}
		return len(resp.Detections)
	}

	// A US SSN is invisible under the configured NZ locale.
	if n := redact(`{"text":"SSN 856-45-6789"}`); n != 0 {
		t.Errorf("absent locale: detections = %d, want 0 (configured NZ)", n)
	}
	if n := redact(`{"text":"SSN 856-45-6789","locale":null}`); n != 1 {
		t.Errorf("null locale: detections = %d, want 1 (full catalogue)", n)
	}
	if n := redact(`{"text":"SSN 856-45-6789","locale":"US"}`); n != 1 {
		t.Errorf("US locale: detections = %d, want 1", n)
	}
}

func TestRedactEndpoint_RecordsObservability(t *testing.T) {
	s, e, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/redact",
		strings.NewReader(`{"text":"Email me at `+testEmail+`"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer admin-token")
	doRequest(e, req)

	entries := s.redactions.List()
	if len(entries) != 1 {
		t.Fatalf("redaction ring entries = %d, want 1", len(entries))
	}
	en := entries[0]
	if en.Source != "api" {
		t.Errorf("source = %q, want api", en.Source)
	}
	if len(en.Detections) != 1 || en.Detections[0].Value != "" {
		t.Errorf("ring detections must be value-stripped: %+v", en.Detections)
	}
	if !strings.Contains(en.InputPreview, testEmail) {
		t.Errorf("input preview = %q", en.InputPreview)
	}
}
