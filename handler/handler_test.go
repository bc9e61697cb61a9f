package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kcolemangt/ai-proxy/model"
	"go.uber.org/zap"
)

const (
	deepseekKey  = "sk-deepseek-0123456789abcdef"
	gigachatKey  = "client-id:super-secret-value"
	issuedToken  = "eyJhbGciOiJSUzI1NiJ9.gigachat-access-token"
	openrouterID = "sk-or-v1-0123456789abcdef"
)

// capture records what an upstream received
type capture struct {
	method string
	path   string
	query  string
	header http.Header
	body   string
}

func newUpstream(t *testing.T, status int, reply string) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		c.method, c.path, c.query, c.header, c.body = r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Clone(), string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func newTokenEndpoint(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"expires_at":1706026848841}`, issuedToken)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	openrouterURL, deepseekURL, gigachatURL, tokenURL string
	deepseekSecret                                    string
}

func newRouter(t *testing.T, f fixture) http.Handler {
	t.Helper()
	if f.deepseekSecret == "" {
		f.deepseekSecret = deepseekKey
	}
	cfg := &model.Config{
		DefaultProvider: model.OpenRouter,
		Logger:          zap.NewNop(),
		Providers: []model.ProviderConfig{
			{
				ID:         model.OpenRouter,
				BaseURL:    f.openrouterURL,
				ChatPath:   "/v1/chat/completions",
				ModelsPath: "/v1/models",
				Auth:       model.StaticBearer,
				KeyEnvVar:  "OPENROUTER_KEY",
				Secret:     openrouterID,
				Headers:    map[string]string{"HTTP-Referer": "https://proxy.example", "X-Title": "Corporate AI Proxy"},
			},
			{
				ID:         model.DeepSeek,
				BaseURL:    f.deepseekURL,
				ChatPath:   "/v1/chat/completions",
				ModelsPath: "/v1/models",
				Auth:       model.StaticBearer,
				KeyEnvVar:  "DEEPSEEK_KEY",
				Secret:     strings.TrimSpace(f.deepseekSecret),
			},
			{
				ID:         model.GigaChat,
				BaseURL:    f.gigachatURL,
				ChatPath:   "/chat/completions",
				ModelsPath: "/models",
				Auth:       model.OAuthExchange,
				KeyEnvVar:  "GIGACHAT_KEY",
				Secret:     gigachatKey,
				OAuth:      &model.OAuthConfig{TokenURL: f.tokenURL, Scope: "GIGACHAT_API_PERS"},
			},
		},
	}
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s.NewRouter()
}

func closedURL() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func decodeError(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("error body is not JSON: %v (%s)", err, body)
	}
	return out
}

func TestGenericPathRoutesDeepSeek(t *testing.T) {
	deepseek, got := newUpstream(t, http.StatusOK, `{"id":"chatcmpl-1"}`)
	unused := closedURL()
	router := newRouter(t, fixture{openrouterURL: unused, deepseekURL: deepseek.URL, gigachatURL: unused, tokenURL: unused})

	body := `{"model": "deepseek-chat", "messages": [{"role": "user", "content": "Привет"}]}`
	req := httptest.NewRequest(http.MethodPost, "/proxy/v1/chat/completions?trace=1", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Trace", "t-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"id":"chatcmpl-1"}` {
		t.Errorf("expected upstream body relayed, got %q", w.Body.String())
	}
	if got.path != "/v1/chat/completions" || got.query != "trace=1" {
		t.Errorf("unexpected upstream target %s?%s", got.path, got.query)
	}
	if got.body != body {
		t.Errorf("body modified in transit: %q", got.body)
	}
	if a := got.header.Get("Authorization"); a != "Bearer "+deepseekKey {
		t.Errorf("expected DeepSeek auth header, got %q", a)
	}
	if got.header.Get("X-Title") != "" {
		t.Errorf("OpenRouter static headers must not reach DeepSeek")
	}
	if got.header.Get("X-Client-Trace") != "t-1" {
		t.Errorf("caller headers must pass through")
	}
}

func TestGenericPathRoutesGPT4ToGigaChat(t *testing.T) {
	var exchanges atomic.Int32
	tokens := newTokenEndpoint(t, &exchanges)
	gigachat, got := newUpstream(t, http.StatusOK, `{"choices":[]}`)
	unused := closedURL()
	router := newRouter(t, fixture{openrouterURL: unused, deepseekURL: unused, gigachatURL: gigachat.URL, tokenURL: tokens.URL})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/proxy/chat/completions", strings.NewReader(`{"model":"gpt-4-turbo"}`))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
	}

	if a := got.header.Get("Authorization"); a != "Bearer "+issuedToken {
		t.Errorf("expected exchanged bearer token, got %q", a)
	}
	if n := exchanges.Load(); n != 1 {
		t.Errorf("expected a single token exchange across requests, got %d", n)
	}
}

func TestGenericPathDefaultsToOpenRouter(t *testing.T) {
	openrouter, got := newUpstream(t, http.StatusOK, `{"data":[]}`)
	unused := closedURL()
	router := newRouter(t, fixture{openrouterURL: openrouter.URL, deepseekURL: unused, gigachatURL: unused, tokenURL: unused})

	req := httptest.NewRequest(http.MethodGet, "/proxy/v1/models", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got.method != http.MethodGet || got.path != "/v1/models" {
		t.Errorf("unexpected upstream call %s %s", got.method, got.path)
	}
	if got.header.Get("X-Title") != "Corporate AI Proxy" || got.header.Get("HTTP-Referer") != "https://proxy.example" {
		t.Errorf("expected OpenRouter static headers, got %v", got.header)
	}
}

func TestUpstreamRateLimitIsRelayed(t *testing.T) {
	deepseek, _ := newUpstream(t, http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached"}}`)
	unused := closedURL()
	router := newRouter(t, fixture{openrouterURL: unused, deepseekURL: deepseek.URL, gigachatURL: unused, tokenURL: unused})

	req := httptest.NewRequest(http.MethodPost, "/proxy/v1/chat/completions", strings.NewReader(`{"model":"deepseek-coder"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Body.String() != `{"error":{"message":"Rate limit reached"}}` {
		t.Errorf("expected provider body verbatim, got %q", w.Body.String())
	}
}

func TestUpstreamUnreachable(t *testing.T) {
	unused := closedURL()
	router := newRouter(t, fixture{openrouterURL: unused, deepseekURL: unused, gigachatURL: unused, tokenURL: unused})

	req := httptest.NewRequest(http.MethodPost, "/proxy/v1/chat/completions", strings.NewReader(`{"model":"claude-3-opus"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	out := decodeError(t, w.Body.Bytes())
	if out["error"] != string(model.ErrUpstreamUnreachable) {
		t.Errorf("expected upstream_unreachable, got %v", out["error"])
	}
	if _, ok := out["upstream_status"]; ok {
		t.Errorf("expected no upstream status, got %v", out["upstream_status"])
	}
	if out["message"] == "" {
		t.Error("expected a message")
	}
}

func TestCredentialExchangeFailure(t *testing.T) {
	tokens, _ := newUpstream(t, http.StatusUnauthorized, `{"code":6,"message":"credentials doesn't match db data"}`)
	gigachat, got := newUpstream(t, http.StatusOK, `{}`)
	unused := closedURL()
	router := newRouter(t, fixture{openrouterURL: unused, deepseekURL: unused, gigachatURL: gigachat.URL, tokenURL: tokens.URL})

	req := httptest.NewRequest(http.MethodPost, "/gigachat/chat", strings.NewReader(`{"model":"GigaChat"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	out := decodeError(t, w.Body.Bytes())
	if out["error"] != string(model.ErrCredentialExchangeFailed) {
		t.Errorf("expected credential_exchange_failed, got %v", out["error"])
	}
	details, _ := out["details"].(map[string]any)
	if details["message"] != "credentials doesn't match db data" {
		t.Errorf("expected exchange payload in details, got %v", out["details"])
	}
	if got.path != "" {
		t.Errorf("GigaChat API must not be called without a token")
	}
	if strings.Contains(w.Body.String(), "super-secret-value") {
		t.Error("secret leaked into the response")
	}
}

func TestDirectEndpointsBypassSelection(t *testing.T) {
	deepseek, got := newUpstream(t, http.StatusOK, `{"data":[{"id":"deepseek-chat"}]}`)
	unused := closedURL()
	router := newRouter(t, fixture{openrouterURL: unused, deepseekURL: deepseek.URL, gigachatURL: unused, tokenURL: unused})

	req := httptest.NewRequest(http.MethodGet, "/deepseek/models", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got.path != "/v1/models" {
		t.Errorf("expected /v1/models, got %s", got.path)
	}

	// a model name that the selector would send elsewhere stays on the pinned provider
	req = httptest.NewRequest(http.MethodPost, "/deepseek/chat", strings.NewReader(`{"model":"gpt-4"}`))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got.path != "/v1/chat/completions" || got.body != `{"model":"gpt-4"}` {
		t.Errorf("unexpected upstream call %s %q", got.path, got.body)
	}
}

func TestGigaChatDirectModels(t *testing.T) {
	var exchanges atomic.Int32
	tokens := newTokenEndpoint(t, &exchanges)
	gigachat, got := newUpstream(t, http.StatusOK, `{"data":[{"id":"GigaChat-Pro"}]}`)
	unused := closedURL()
	router := newRouter(t, fixture{openrouterURL: unused, deepseekURL: unused, gigachatURL: gigachat.URL, tokenURL: tokens.URL})

	req := httptest.NewRequest(http.MethodGet, "/gigachat/models", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got.path != "/models" || got.header.Get("Authorization") != "Bearer "+issuedToken {
		t.Errorf("unexpected upstream call %s with %q", got.path, got.header.Get("Authorization"))
	}
}

func TestMissingStaticKey(t *testing.T) {
	deepseek, got := newUpstream(t, http.StatusOK, `{}`)
	unused := closedURL()
	router := newRouter(t, fixture{openrouterURL: unused, deepseekURL: deepseek.URL, gigachatURL: unused, tokenURL: unused, deepseekSecret: " "})

	req := httptest.NewRequest(http.MethodGet, "/deepseek/models", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if out := decodeError(t, w.Body.Bytes()); out["error"] != string(model.ErrMisconfiguredSecret) {
		t.Errorf("expected misconfigured_secret, got %v", out["error"])
	}

	// the caller's own key is forwarded when none is configured
	req = httptest.NewRequest(http.MethodGet, "/deepseek/models", nil)
	req.Header.Set("Authorization", "Bearer caller-key")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if a := got.header.Get("Authorization"); a != "Bearer caller-key" {
		t.Errorf("expected caller authorization, got %q", a)
	}
}

func TestHealth(t *testing.T) {
	unused := closedURL()
	router := newRouter(t, fixture{openrouterURL: unused, deepseekURL: unused, gigachatURL: unused, tokenURL: unused})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var report healthReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("invalid health JSON: %v", err)
	}
	if report.Status != "OK" || report.DefaultProvider != model.OpenRouter {
		t.Errorf("unexpected report %+v", report)
	}
	if report.Environment["DEEPSEEK_KEY"] != "set" {
		t.Errorf("expected DEEPSEEK_KEY set, got %v", report.Environment)
	}
	if len(report.Usage.DirectEndpoints["gigachat"]) != 2 {
		t.Errorf("expected gigachat direct endpoints, got %v", report.Usage.DirectEndpoints)
	}
	for _, secret := range []string{deepseekKey, gigachatKey, openrouterID} {
		if bytes.Contains(w.Body.Bytes(), []byte(secret)) {
			t.Errorf("health report leaks a secret")
		}
	}
}

func TestCredentialDiagnostics(t *testing.T) {
	var exchanges atomic.Int32
	tokens := newTokenEndpoint(t, &exchanges)
	unused := closedURL()
	router := newRouter(t, fixture{openrouterURL: unused, deepseekURL: unused, gigachatURL: unused, tokenURL: tokens.URL})

	req := httptest.NewRequest(http.MethodGet, "/debug/credentials", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out struct {
		Credentials []credentialReport `json:"credentials"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(out.Credentials) != 1 {
		t.Fatalf("expected one oauth provider, got %d", len(out.Credentials))
	}
	rep := out.Credentials[0]
	if !rep.OK || rep.Provider != model.GigaChat {
		t.Errorf("expected healthy GigaChat credentials, got %+v", rep)
	}
	if rep.TokenLength != len(issuedToken) || rep.TokenPreview != issuedToken[:tokenPreviewLen]+"..." {
		t.Errorf("unexpected preview %q / length %d", rep.TokenPreview, rep.TokenLength)
	}
	if rep.SecretLength != len(gigachatKey) || rep.SecretFormat != "client_id_secret_pair" {
		t.Errorf("unexpected secret summary %+v", rep)
	}
	if strings.Contains(w.Body.String(), issuedToken) || strings.Contains(w.Body.String(), "super-secret-value") {
		t.Error("diagnostics must not expose the full token or the secret")
	}
}

func TestCORSPreflight(t *testing.T) {
	unused := closedURL()
	router := newRouter(t, fixture{openrouterURL: unused, deepseekURL: unused, gigachatURL: unused, tokenURL: unused})

	req := httptest.NewRequest(http.MethodOptions, "/proxy/v1/chat/completions", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("unexpected allow origin %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Authorization, Content-Type, Accept" {
		t.Errorf("unexpected allow headers %q", got)
	}
}

func TestModelField(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"model":"deepseek-chat"}`, "deepseek-chat"},
		{`{"messages":[]}`, ""},
		{`{"model":42}`, ""},
		{`not json`, ""},
		{``, ""},
	}
	for _, tt := range tests {
		if got := modelField([]byte(tt.body)); got != tt.want {
			t.Errorf("modelField(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestOversizedBodyIsRejected(t *testing.T) {
	deepseek, got := newUpstream(t, http.StatusOK, `{}`)
	unused := closedURL()
	router := newRouter(t, fixture{openrouterURL: unused, deepseekURL: deepseek.URL, gigachatURL: unused, tokenURL: unused})

	req := httptest.NewRequest(http.MethodPost, "/deepseek/chat", bytes.NewReader(make([]byte, maxBodyBytes+1)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", w.Code, w.Body.String())
	}
	if out := decodeError(t, w.Body.Bytes()); out["error"] != "request_too_large" {
		t.Errorf("expected request_too_large, got %v", out["error"])
	}
	if got.method != "" {
		t.Errorf("oversized body must not reach the provider, got %s %s", got.method, got.path)
	}
}

func TestStaticKeyWithBearerPrefix(t *testing.T) {
	deepseek, got := newUpstream(t, http.StatusOK, `{}`)
	unused := closedURL()
	router := newRouter(t, fixture{openrouterURL: unused, deepseekURL: deepseek.URL, gigachatURL: unused, tokenURL: unused, deepseekSecret: "Bearer " + deepseekKey})

	req := httptest.NewRequest(http.MethodGet, "/deepseek/models", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if a := got.header.Get("Authorization"); a != "Bearer "+deepseekKey {
		t.Errorf("expected a single Bearer prefix, got %q", a)
	}
}

func TestBearerKey(t *testing.T) {
	tests := []struct {
		secret string
		want   string
	}{
		{"sk-1", "sk-1"},
		{"Bearer sk-1", "sk-1"},
		{"bearer  sk-1 ", "sk-1"},
		{" sk-1 ", "sk-1"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := bearerKey(tt.secret); got != tt.want {
			t.Errorf("bearerKey(%q) = %q, want %q", tt.secret, got, tt.want)
		}
	}
}
