package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ascend.software/storefront/internal/auth"
	"ascend.software/storefront/internal/config"
	"ascend.software/storefront/internal/ratelimit"
	"ascend.software/storefront/internal/testutil"
	"ascend.software/storefront/storage"
)

type testServer struct {
	*Server
	store  *storage.MemoryStorage
	paypal *testutil.PayPalServer
}

func newTestServer(t *testing.T, limiter ratelimit.RateLimit) *testServer {
	t.Helper()

	gateway := testutil.NewPayPalServer(t)
	store := testutil.TestStorage()

	server := NewHttpServer(Options{
		Storage:   store,
		Gateway:   gateway.PayPal(),
		Verifier:  auth.NewVerifier(testutil.TestJWTSecret),
		Limiter:   limiter,
		BrandName: "Ascend",
		Version:   "1.2.3",
	})

	return &testServer{Server: server, store: store, paypal: gateway}
}

func (ts *testServer) do(method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			_ = json.NewEncoder(&buf).Encode(b)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestNewHttpServer(t *testing.T) {
	ts := newTestServer(t, nil)

	require.NotNil(t, ts.Server)
	assert.NotNil(t, ts.Router)
	assert.NotNil(t, ts.Storage)
}

func TestServer_HealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodGet, "/health", nil, "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "healthy", response.Status)
	assert.Equal(t, "1.2.3", response.Version)
	assert.WithinDuration(t, time.Now(), response.Timestamp, time.Minute)
}

func TestServer_Catalog(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodGet, "/catalog", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	products, ok := decodeBody(t, w)["products"].([]interface{})
	require.True(t, ok)
	assert.Len(t, products, 3)
}

func TestServer_CORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/create-paypal-order", nil)
	req.Header.Set("Origin", "https://ascend.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization, content-type, x-client-info, apikey")

	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)

	assert.Contains(t, []int{http.StatusOK, http.StatusNoContent}, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	allowed := strings.ToLower(w.Header().Get("Access-Control-Allow-Headers"))
	for _, header := range []string{"authorization", "content-type", "x-client-info", "apikey"} {
		assert.Contains(t, allowed, header)
	}
}

func TestServer_CORSRejectsUnknownHeader(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/create-paypal-order", nil)
	req.Header.Set("Origin", "https://ascend.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "x-not-allowed")

	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_CORSOnSimpleResponse(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://ascend.example")

	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_RateLimit(t *testing.T) {
	ts := newTestServer(t, ratelimit.New(2, time.Minute))

	for i := 0; i < 2; i++ {
		w := ts.do(http.MethodPost, "/licenses/validate", map[string]string{"license_key": "ASC-NOPE"}, "")
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := ts.do(http.MethodPost, "/licenses/validate", map[string]string{"license_key": "ASC-NOPE"}, "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate limit exceeded", decodeBody(t, w)["error"])

	// Unlimited routes are unaffected.
	w = ts.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_UnknownRoute(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodGet, "/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClientAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	req.RemoteAddr = "203.0.113.7:52144"
	assert.Equal(t, "203.0.113.7", clientAddr(req))

	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", clientAddr(req))

	req.RemoteAddr = "203.0.113.7"
	assert.Equal(t, "203.0.113.7", clientAddr(req))
}

func TestDecodeJSON_TooLarge(t *testing.T) {
	ts := newTestServer(t, nil)

	huge := `{"license_key":"` + strings.Repeat("A", int(maxBodyBytes)) + `"}`
	w := ts.do(http.MethodPost, "/licenses/validate", huge, "")

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid request body", decodeBody(t, w)["error"])
}

func validateFrom(ts *Server, remoteAddr, forwardedFor string) int {
	req := httptest.NewRequest(http.MethodPost, "/licenses/validate", strings.NewReader(`{"license_key":"ASC-NOPE"}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
		req.Header.Set("X-Real-IP", forwardedFor)
	}

	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)
	return w.Code
}

func TestServer_RateLimitIgnoresForwardingHeaders(t *testing.T) {
	ts := newTestServer(t, ratelimit.New(2, time.Minute))

	var codes []int
	for i := 0; i < 6; i++ {
		codes = append(codes, validateFrom(ts.Server, "203.0.113.7:4000", fmt.Sprintf("10.0.0.%d", i)))
	}

	assert.Equal(t, []int{200, 200, 429, 429, 429, 429}, codes)
}

func TestServer_RateLimitTrustedProxy(t *testing.T) {
	proxies, err := config.ParseProxies([]string{"198.51.100.0/24"})
	require.NoError(t, err)

	gateway := testutil.NewPayPalServer(t)
	server := NewHttpServer(Options{
		Storage:        testutil.TestStorage(),
		Gateway:        gateway.PayPal(),
		Limiter:        ratelimit.New(1, time.Minute),
		TrustedProxies: proxies,
	})

	// Distinct clients behind the proxy get their own budget.
	assert.Equal(t, http.StatusOK, validateFrom(server, "198.51.100.10:443", "10.0.0.1"))
	assert.Equal(t, http.StatusOK, validateFrom(server, "198.51.100.10:443", "10.0.0.2"))
	assert.Equal(t, http.StatusTooManyRequests, validateFrom(server, "198.51.100.10:443", "10.0.0.1"))

	// The same headers from outside the proxy range are not believed.
	assert.Equal(t, http.StatusOK, validateFrom(server, "203.0.113.9:5000", "10.0.0.3"))
	assert.Equal(t, http.StatusTooManyRequests, validateFrom(server, "203.0.113.9:5000", "10.0.0.4"))
}
