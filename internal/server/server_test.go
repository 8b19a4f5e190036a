package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/chain/chaintest"
	"github.com/mbd888/settlegate/internal/config"
	"github.com/mbd888/settlegate/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		FeeBPS:              100,
		LockWait:            time.Second,
		LockLease:           time.Minute,
		ExpirySweepInterval: time.Hour,
		ReconcileInterval:   time.Hour,
		RateTTL:             time.Minute,
		AdminSecret:         "s3cret",
		Chains:              map[chain.ID]config.ChainConfig{},
	}
}

// newTestServer creates a server backed by a fake BTC adapter
func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := chain.NewRegistry()
	fake := chaintest.New(chain.BTC).WithParams(func(p *chain.Params) { p.PollInterval = time.Hour })
	require.NoError(t, reg.Register(fake))

	s, err := New(testConfig(),
		WithChains(reg),
		WithLogger(logging.New("error", "text")),
		WithVersion("test"),
	)
	require.NoError(t, err)
	return s
}

func serve(s *Server, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint_UnhealthyBeforeStart(t *testing.T) {
	s := newTestServer(t)

	w, resp := serve(s, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", resp["status"])
	assert.Equal(t, "test", resp["version"])
}

func TestHealthEndpoint_HealthyAfterStart(t *testing.T) {
	s := newTestServer(t)
	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Shutdown() })

	require.Eventually(t, func() bool {
		w, _ := serve(s, "GET", "/health", "", nil)
		return w.Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	_, resp := serve(s, "GET", "/health", "", nil)
	monitors, ok := resp["monitors"].([]any)
	require.True(t, ok)
	assert.Len(t, monitors, 1)
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, _ := serve(s, "GET", "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	w, _ := serve(s, "GET", "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws/events",
		"POST:/v1/escrows",
		"GET:/v1/escrows",
		"GET:/v1/escrows/:id",
		"GET:/v1/escrows/:id/events",
		"POST:/v1/escrows/:id/release",
		"POST:/v1/escrows/:id/refund",
		"POST:/v1/escrows/:id/dispute",
		"POST:/v1/escrows/:id/resolve",
		"PUT:/v1/escrows/:id/metadata",
		"POST:/v1/payments",
		"GET:/v1/payments/:id",
		"POST:/v1/admin/escrows/:id/retry-fee",
		"POST:/v1/admin/escrows/:id/retry-settlement",
		"POST:/v1/admin/payments/:id/retry-forward",
		"POST:/v1/admin/reconcile",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

// ---------------------------------------------------------------------------
// API flow tests
// ---------------------------------------------------------------------------

func TestCreateAndGetEscrow(t *testing.T) {
	s := newTestServer(t)

	w, resp := serve(s, "POST", "/v1/escrows", `{
		"chain": "btc",
		"amount": "0.25",
		"depositorAddress": "depositor-1",
		"beneficiaryAddress": "beneficiary-1",
		"arbiterAddress": "arbiter-1"
	}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, resp["releaseToken"])

	esc, ok := resp["escrow"].(map[string]any)
	require.True(t, ok)
	id, _ := esc["id"].(string)
	require.True(t, strings.HasPrefix(id, "esc_"))
	assert.Equal(t, "pending", esc["status"])

	w, resp = serve(s, "GET", "/v1/escrows/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "releaseToken")
	assert.NotNil(t, resp["escrow"])

	w, resp = serve(s, "GET", "/v1/escrows/"+id+"/events", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, resp["events"])
}

func TestEscrowInvalidID(t *testing.T) {
	s := newTestServer(t)

	w, resp := serve(s, "GET", "/v1/escrows/not-an-id", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_id", resp["error"])
}

func TestCreateEscrow_UnsupportedChain(t *testing.T) {
	s := newTestServer(t)

	w, resp := serve(s, "POST", "/v1/escrows", `{
		"chain": "eth",
		"amount": "1",
		"depositorAddress": "depositor-1",
		"beneficiaryAddress": "beneficiary-1"
	}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", resp["error"])
}

func TestCreatePayment(t *testing.T) {
	s := newTestServer(t)

	w, resp := serve(s, "POST", "/v1/payments", `{
		"chain": "btc",
		"amount": "0.01",
		"merchantAddress": "merchant-1",
		"businessId": "biz-1"
	}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p, ok := resp["payment"].(map[string]any)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(p["id"].(string), "pay_"))
	assert.Equal(t, "btc-addr-0", p["address"])
}

func TestAdminRequiresSecret(t *testing.T) {
	s := newTestServer(t)

	w, _ := serve(s, "POST", "/v1/admin/reconcile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, resp := serve(s, "POST", "/v1/admin/reconcile", "", map[string]string{"X-Admin-Secret": "s3cret"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["healthy"])
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w, _ := serve(s, "GET", "/health/live", "", map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w, _ = serve(s, "GET", "/health/live", "", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://settle:hunter2@db:5432/settlegate?sslmode=disable")
	assert.NotContains(t, got, "hunter2")
	assert.Contains(t, got, "settle")
}
