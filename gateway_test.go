package airgate

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// stubUpstream is a fake record-storage API that records every call it
// receives, so tests can assert which requests reached it.
type stubUpstream struct {
	mu         sync.Mutex
	calls      int
	lastMethod string
	lastPath   string
	lastQuery  url.Values
	lastBody   []byte
	lastAuth   string

	status   int
	respBody string

	srv *httptest.Server
}

func newStubUpstream(t *testing.T) *stubUpstream {
	t.Helper()
	s := &stubUpstream{status: http.StatusOK, respBody: `{"records":[]}`}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.calls++
		s.lastMethod = r.Method
		s.lastPath = r.URL.Path
		s.lastQuery = r.URL.Query()
		s.lastBody = body
		s.lastAuth = r.Header.Get("Authorization")
		status, respBody := s.status, s.respBody
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubUpstream) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testConfig(upstreamURL string) Config {
	return Config{
		Upstream: UpstreamConfig{BaseURL: upstreamURL, TimeoutSeconds: 2},
		Access: AccessConfig{
			Bases:          []string{"appMain"},
			Tables:         []string{"Clients", "Team Members"},
			EmbeddedTables: []string{"Clients", "Team Members", "Team%20Members"},
		},
		RateLimit: RateLimitConfig{Limit: 100, WindowSeconds: 60},
		CORS:      CORSConfig{Mode: CORSModeStrict, Origins: []string{"https://app.example.com"}},
	}
}

func newTestGateway(t *testing.T, cfg Config, token string) http.Handler {
	t.Helper()
	g, err := New(cfg, token)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return g.Routes()
}

// doReq issues one request against the gateway with a fixed client address.
func doReq(h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("CF-Connecting-IP", "203.0.113.7")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("response body %q is not the JSON error shape: %v", w.Body.String(), err)
	}
	return payload.Error
}

func TestPreflightBypassesPipeline(t *testing.T) {
	stub := newStubUpstream(t)
	// No token and a bogus path: preflight must still succeed.
	h := newTestGateway(t, testConfig(stub.srv.URL), "")

	w := doReq(h, http.MethodOptions, "/api/airtable/appOther/Nope", "", map[string]string{
		"Origin": "https://evil.example.com",
	})

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("preflight body = %q, want empty", w.Body.String())
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight must carry the CORS header set")
	}
	if w.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("preflight must not be rate-limited")
	}
	if stub.Calls() != 0 {
		t.Errorf("preflight reached the upstream: %d calls", stub.Calls())
	}
}

func TestMissingTokenFailsClosed(t *testing.T) {
	stub := newStubUpstream(t)
	h := newTestGateway(t, testConfig(stub.srv.URL), "")

	w := doReq(h, http.MethodGet, "/api/airtable/appMain/Clients", "", nil)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if got := errorMessage(t, w); got != "server configuration error" {
		t.Errorf("error = %q, want server configuration error", got)
	}
	if stub.Calls() != 0 {
		t.Error("misconfigured gateway must never call the upstream")
	}
}

func TestRateLimitRejectsOverLimit(t *testing.T) {
	stub := newStubUpstream(t)
	cfg := testConfig(stub.srv.URL)
	cfg.RateLimit.Limit = 2
	h := newTestGateway(t, cfg, "tok")

	for i := 0; i < 2; i++ {
		w := doReq(h, http.MethodGet, "/api/airtable/appMain/Clients", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, w.Code)
		}
	}

	w := doReq(h, http.MethodGet, "/api/airtable/appMain/Clients", "", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want 2", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if w.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("429 must carry X-RateLimit-Reset")
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
	if stub.Calls() != 2 {
		t.Errorf("upstream calls = %d, want 2", stub.Calls())
	}

	var payload struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retryAfter"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal 429 body: %v", err)
	}
	if payload.Error != "rate limit exceeded" || payload.RetryAfter < 1 {
		t.Errorf("429 body = %+v", payload)
	}
}

func TestRateLimitKeyedByClientIdentity(t *testing.T) {
	stub := newStubUpstream(t)
	cfg := testConfig(stub.srv.URL)
	cfg.RateLimit.Limit = 1
	h := newTestGateway(t, cfg, "tok")

	if w := doReq(h, http.MethodGet, "/api/airtable/appMain/Clients", "", nil); w.Code != http.StatusOK {
		t.Fatalf("first client status = %d, want 200", w.Code)
	}
	if w := doReq(h, http.MethodGet, "/api/airtable/appMain/Clients", "", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("first client second request = %d, want 429", w.Code)
	}

	// A different connection-origin header gets its own window.
	w := doReq(h, http.MethodGet, "/api/airtable/appMain/Clients", "", map[string]string{
		"CF-Connecting-IP": "198.51.100.4",
	})
	if w.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", w.Code)
	}

	// No identity headers at all falls back to the shared sentinel bucket.
	req := httptest.NewRequest(http.MethodGet, "/api/airtable/appMain/Clients", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("sentinel bucket first request = %d, want 200", rec.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/airtable/appMain/Clients", nil)
	req.Header.Set("X-Forwarded-For", " ,203.0.113.9")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("blank forwarded-for entry should share the sentinel bucket, got %d", rec.Code)
	}
}

func TestClientIdentityPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"connection header wins", map[string]string{"CF-Connecting-IP": "1.2.3.4", "X-Forwarded-For": "5.6.7.8"}, "1.2.3.4"},
		{"forwarded-for first entry", map[string]string{"X-Forwarded-For": "5.6.7.8, 9.9.9.9"}, "5.6.7.8"},
		{"no headers", nil, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := clientIdentity(req); got != tt.want {
				t.Errorf("clientIdentity() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSegmentRouteRejectsDisallowedResources(t *testing.T) {
	stub := newStubUpstream(t)
	h := newTestGateway(t, testConfig(stub.srv.URL), "tok")

	tests := []struct {
		name       string
		target     string
		wantInBody string
	}{
		{"unknown base", "/api/airtable/appOther/Clients", "base is not allowed"},
		{"unknown table", "/api/airtable/appMain/Clients2", "table is not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doReq(h, http.MethodGet, tt.target, "", nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if got := errorMessage(t, w); !strings.Contains(got, tt.wantInBody) {
				t.Errorf("error = %q, want it to mention %q", got, tt.wantInBody)
			}
		})
	}
	if stub.Calls() != 0 {
		t.Errorf("rejected paths reached the upstream: %d calls", stub.Calls())
	}
}

func TestSegmentRouteForwardsWithFullQuery(t *testing.T) {
	stub := newStubUpstream(t)
	h := newTestGateway(t, testConfig(stub.srv.URL), "secret-tok")

	w := doReq(h, http.MethodGet, "/api/airtable/appMain/Clients?pageSize=5&custom=1", "", map[string]string{
		"Origin": "https://app.example.com",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if stub.lastPath != "/appMain/Clients" {
		t.Errorf("upstream path = %q, want /appMain/Clients", stub.lastPath)
	}
	// Segment variant passes the whole query through.
	if stub.lastQuery.Get("pageSize") != "5" || stub.lastQuery.Get("custom") != "1" {
		t.Errorf("upstream query = %v, want full passthrough", stub.lastQuery)
	}
	if stub.lastAuth != "Bearer secret-tok" {
		t.Errorf("upstream auth = %q, want injected bearer token", stub.lastAuth)
	}
	if got := w.Body.String(); got != `{"records":[]}` {
		t.Errorf("relayed body = %q", got)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if w.Header().Get("X-RateLimit-Limit") == "" || w.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("success responses must carry rate-limit headers")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q, want allowed request origin", got)
	}
}

func TestSegmentRouteEncodedTableName(t *testing.T) {
	stub := newStubUpstream(t)
	h := newTestGateway(t, testConfig(stub.srv.URL), "tok")

	w := doReq(h, http.MethodGet, "/api/airtable/appMain/Team%20Members", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	if stub.lastPath != "/appMain/Team Members" {
		t.Errorf("upstream path = %q, want decoded table segment", stub.lastPath)
	}
}

func TestSegmentRouteRecordPassthrough(t *testing.T) {
	stub := newStubUpstream(t)
	h := newTestGateway(t, testConfig(stub.srv.URL), "tok")

	w := doReq(h, http.MethodDelete, "/api/airtable/appMain/Clients/recOPAQUE123", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if stub.lastMethod != http.MethodDelete {
		t.Errorf("upstream method = %q, want DELETE", stub.lastMethod)
	}
	if stub.lastPath != "/appMain/Clients/recOPAQUE123" {
		t.Errorf("upstream path = %q, want record forwarded verbatim", stub.lastPath)
	}
}

func TestEmbeddedRouteFiltersQuery(t *testing.T) {
	stub := newStubUpstream(t)
	h := newTestGateway(t, testConfig(stub.srv.URL), "tok")

	target := "/api/airtable?path=" + url.QueryEscape("appMain/Clients") + "&pageSize=5&evil=1&sort%5B0%5D%5Bfield%5D=Name"
	w := doReq(h, http.MethodGet, target, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}

	if got := stub.lastQuery.Get("pageSize"); got != "5" {
		t.Errorf("pageSize = %q, want 5", got)
	}
	if got := stub.lastQuery.Get("sort[0][field]"); got != "Name" {
		t.Errorf("sort[0][field] = %q, want Name", got)
	}
	for _, name := range []string{"evil", "path"} {
		if _, ok := stub.lastQuery[name]; ok {
			t.Errorf("%q must not reach the upstream", name)
		}
	}
}

func TestEmbeddedRouteRejectsWith403(t *testing.T) {
	stub := newStubUpstream(t)
	h := newTestGateway(t, testConfig(stub.srv.URL), "tok")

	tests := []struct {
		name       string
		target     string
		wantInBody string
	}{
		{"missing path", "/api/airtable", "missing resource path"},
		{"wrong base", "/api/airtable?path=appOther/Clients", "base is not allowed"},
		{"unknown table", "/api/airtable?path=appMain/Orders", "table is not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doReq(h, http.MethodGet, tt.target, "", nil)
			if w.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", w.Code)
			}
			if got := errorMessage(t, w); !strings.Contains(got, tt.wantInBody) {
				t.Errorf("error = %q, want it to mention %q", got, tt.wantInBody)
			}
		})
	}
	if stub.Calls() != 0 {
		t.Errorf("rejected paths reached the upstream: %d calls", stub.Calls())
	}
}

func TestEmbeddedRouteEncodedTableBothForms(t *testing.T) {
	stub := newStubUpstream(t)
	h := newTestGateway(t, testConfig(stub.srv.URL), "tok")

	for _, raw := range []string{"appMain/Team%20Members", "appMain/Team Members"} {
		w := doReq(h, http.MethodGet, "/api/airtable?path="+url.QueryEscape(raw), "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("path=%q status = %d, want 200 (body %s)", raw, w.Code, w.Body.String())
		}
	}
	// Both spellings normalize to one upstream URL.
	if stub.lastPath != "/appMain/Team Members" {
		t.Errorf("upstream path = %q, want normalized table segment", stub.lastPath)
	}
}

func TestEmbeddedRouteOriginGateForMutations(t *testing.T) {
	stub := newStubUpstream(t)
	h := newTestGateway(t, testConfig(stub.srv.URL), "tok")

	// Non-GET from a disallowed origin is rejected before path validation:
	// even a bogus path reports the origin failure.
	w := doReq(h, http.MethodPost, "/api/airtable?path=appOther/Nope", `{}`, map[string]string{
		"Origin": "https://evil.example.com",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if got := errorMessage(t, w); got != "origin not allowed" {
		t.Errorf("error = %q, want origin not allowed", got)
	}
	if stub.Calls() != 0 {
		t.Error("origin-rejected request reached the upstream")
	}

	// GET is exempt from the origin gate.
	w = doReq(h, http.MethodGet, "/api/airtable?path=appMain/Clients", "", map[string]string{
		"Origin": "https://evil.example.com",
	})
	if w.Code != http.StatusOK {
		t.Errorf("GET status = %d, want 200", w.Code)
	}

	// An allow-listed origin may mutate.
	w = doReq(h, http.MethodPost, "/api/airtable?path=appMain/Clients", `{"fields":{"Name":"Ada"}}`, map[string]string{
		"Origin": "https://app.example.com",
	})
	if w.Code != http.StatusOK {
		t.Errorf("allowed origin POST status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
}

func TestMalformedBodyRejectedBeforeUpstream(t *testing.T) {
	stub := newStubUpstream(t)
	h := newTestGateway(t, testConfig(stub.srv.URL), "tok")

	w := doReq(h, http.MethodPost, "/api/airtable/appMain/Clients", `{"fields":`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if got := errorMessage(t, w); got != "invalid JSON body" {
		t.Errorf("error = %q, want invalid JSON body", got)
	}
	if stub.Calls() != 0 {
		t.Errorf("malformed body reached the upstream: %d calls", stub.Calls())
	}
}

func TestRawBodyModeForwardsBytesUntouched(t *testing.T) {
	stub := newStubUpstream(t)
	cfg := testConfig(stub.srv.URL)
	cfg.Upstream.BodyMode = BodyModeRaw
	h := newTestGateway(t, cfg, "tok")

	// Not JSON at all; raw mode forwards it anyway.
	w := doReq(h, http.MethodPost, "/api/airtable/appMain/Clients", "not-json", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if string(stub.lastBody) != "not-json" {
		t.Errorf("upstream body = %q, want raw passthrough", stub.lastBody)
	}
}

func TestUpstreamFailureYields502(t *testing.T) {
	stub := newStubUpstream(t)
	stub.srv.Close() // upstream unreachable
	cfg := testConfig(stub.srv.URL)
	cfg.RateLimit.Limit = 10
	h := newTestGateway(t, cfg, "tok")

	w := doReq(h, http.MethodGet, "/api/airtable/appMain/Clients", "", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if got := errorMessage(t, w); got != "upstream request failed" {
		t.Errorf("error = %q, want the stable short message", got)
	}
	// The attempt still counted against the rate limit.
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "9" {
		t.Errorf("X-RateLimit-Remaining = %q, want 9", got)
	}
}

func TestUpstreamStatusRelayedVerbatim(t *testing.T) {
	stub := newStubUpstream(t)
	stub.status = http.StatusNotFound
	stub.respBody = `{"error":{"type":"NOT_FOUND"}}`
	h := newTestGateway(t, testConfig(stub.srv.URL), "tok")

	w := doReq(h, http.MethodGet, "/api/airtable/appMain/Clients/recMissing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want relayed 404", w.Code)
	}
	if w.Body.String() != `{"error":{"type":"NOT_FOUND"}}` {
		t.Errorf("body = %q, want upstream body byte-for-byte", w.Body.String())
	}
}

func TestUnsupportedMethodRejected(t *testing.T) {
	stub := newStubUpstream(t)
	h := newTestGateway(t, testConfig(stub.srv.URL), "tok")

	w := doReq(h, http.MethodHead, "/api/airtable/appMain/Clients", "", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
	if stub.Calls() != 0 {
		t.Error("unsupported method reached the upstream")
	}
}
