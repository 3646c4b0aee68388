package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/kiranshivaraju/chartqueue/internal/api"
	mw "github.com/kiranshivaraju/chartqueue/internal/api/middleware"
	"github.com/kiranshivaraju/chartqueue/internal/cache"
	"github.com/kiranshivaraju/chartqueue/internal/line"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret = "channel-secret"
	testToken  = "cq_admin_1234567890abcdef"
)

func okJSON(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"data":{"status":"ok"}}`))
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "chartqueue_test_total", Help: "test"}))

	return api.NewRouter(api.Dependencies{
		AdminAuth:         mw.NewAdminAuth(string(hash)),
		RateLimit:         mw.NewRateLimit(c, 60),
		WebhookSignature:  mw.LINESignature(testSecret),
		HealthHandler:     okJSON,
		MetricsHandler:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		WebhookHandler:    okJSON,
		UserStatusHandler: okJSON,
	})
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chartqueue_test_total")
}

func TestRouter_Webhook_RequiresSignature(t *testing.T) {
	router := newTestRouter(t)
	body := []byte(`{"events":[]}`)

	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
	req.Header.Set(line.SignatureHeader, line.Sign(body, testSecret))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_AdminEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/users/U1/status"},
		{"GET", "/api/v1/users/U1/analyses"},
		{"POST", "/api/v1/users/U1/prune"},
		{"POST", "/api/v1/jobs/00000000-0000-0000-0000-000000000000/requeue"},
		{"POST", "/api/v1/jobs/00000000-0000-0000-0000-000000000000/fail"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_AdminEndpoint_Authorized(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/users/U1/status", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
}

func TestRouter_UnwiredHandler_NotImplemented(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("POST", "/api/v1/users/U1/prune", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
