package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	mw "github.com/kiranshivaraju/chartqueue/internal/api/middleware"
	"github.com/kiranshivaraju/chartqueue/internal/cache"
	"github.com/kiranshivaraju/chartqueue/internal/line"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const adminToken = "cq_admin_1234567890abcdef"

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashToken(t *testing.T, token string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func newRedisCache(t *testing.T) *cache.RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

type failingCache struct {
	cache.Cache
}

func (failingCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

// ========================================
// Admin Auth Middleware Tests
// ========================================

func TestAdminAuth_Disabled(t *testing.T) {
	handler := mw.NewAdminAuth("").Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "ADMIN_DISABLED", errBody(t, w)["code"])
}

func TestAdminAuth_MissingAuthHeader(t *testing.T) {
	handler := mw.NewAdminAuth(hashToken(t, adminToken)).Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAdminAuth_InvalidBearerFormat(t *testing.T) {
	handler := mw.NewAdminAuth(hashToken(t, adminToken)).Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminAuth_TokenTooShort(t *testing.T) {
	handler := mw.NewAdminAuth(hashToken(t, adminToken)).Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer short")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminAuth_WrongToken(t *testing.T) {
	handler := mw.NewAdminAuth(hashToken(t, "a_different_token_entirely")).Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid admin token", errBody(t, w)["message"])
}

func TestAdminAuth_ValidTokenIsRateLimitedByPrefix(t *testing.T) {
	rl := mw.NewRateLimit(newRedisCache(t), 2)
	handler := mw.NewAdminAuth(hashToken(t, adminToken)).Authenticate(rl.Limit(okHandler()))

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Authorization", "Bearer "+adminToken)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	rl := mw.NewRateLimit(newRedisCache(t), 60)
	handler := rl.Limit(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req = req.WithContext(mw.WithKeyPrefix(req.Context(), "admin:cq_admin"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	rl := mw.NewRateLimit(newRedisCache(t), 1)
	handler := rl.Limit(okHandler())

	var w *httptest.ResponseRecorder
	for range 2 {
		req := httptest.NewRequest("GET", "/test", nil)
		req = req.WithContext(mw.WithKeyPrefix(req.Context(), "admin:over"))
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, req)
	}

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_NoKeyPrefix_PassThrough(t *testing.T) {
	rl := mw.NewRateLimit(failingCache{}, 60)
	handler := rl.Limit(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_Allow_SeparateKeys(t *testing.T) {
	rl := mw.NewRateLimit(newRedisCache(t), 1)
	ctx := context.Background()

	ok, remaining := rl.Allow(ctx, "user:U1")
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)

	ok, _ = rl.Allow(ctx, "user:U1")
	assert.False(t, ok)

	ok, _ = rl.Allow(ctx, "user:U2")
	assert.True(t, ok)
}

func TestRateLimit_Allow_FailsOpen(t *testing.T) {
	rl := mw.NewRateLimit(failingCache{}, 5)

	ok, remaining := rl.Allow(context.Background(), "user:U1")
	assert.True(t, ok)
	assert.Equal(t, 5, remaining)
}

func TestRateLimit_DefaultBudget(t *testing.T) {
	rl := mw.NewRateLimit(newRedisCache(t), 0)

	_, remaining := rl.Allow(context.Background(), "user:U1")
	assert.Equal(t, 59, remaining)
}

// ========================================
// LINE Signature Middleware Tests
// ========================================

const channelSecret = "line-secret"

func TestLINESignature_Valid(t *testing.T) {
	body := []byte(`{"destination":"U0","events":[]}`)

	var got []byte
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, ok := mw.WebhookBody(r)
		require.True(t, ok)
		got = b
		w.WriteHeader(http.StatusOK)
	})
	handler := mw.LINESignature(channelSecret)(inner)

	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
	req.Header.Set(line.SignatureHeader, line.Sign(body, channelSecret))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, got)
}

func TestLINESignature_Mismatch(t *testing.T) {
	body := []byte(`{"events":[]}`)
	handler := mw.LINESignature(channelSecret)(okHandler())

	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
	req.Header.Set(line.SignatureHeader, line.Sign(body, "other-secret"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_SIGNATURE", errBody(t, w)["code"])
}

func TestLINESignature_MissingHeader(t *testing.T) {
	handler := mw.LINESignature(channelSecret)(okHandler())

	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLINESignature_BodyTooLarge(t *testing.T) {
	handler := mw.LINESignature(channelSecret)(okHandler())

	body := io.LimitReader(zeroReader{}, 1<<20+10)
	req := httptest.NewRequest("POST", "/webhook", body)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = '0'
	}
	return len(p), nil
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	handler := mw.Recovery(panicking)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	aborting := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic(http.ErrAbortHandler)
	})
	handler := mw.Recovery(aborting)

	req := httptest.NewRequest("GET", "/test", nil)
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), req)
	})
}

func TestRecovery_NoPanic(t *testing.T) {
	handler := mw.Recovery(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_SetsStatus(t *testing.T) {
	handler := mw.Logger(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogger_ServerErrorLoggedAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	handler := mw.Logger(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/webhook", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, float64(http.StatusBadGateway), entry["status"])
	assert.Equal(t, float64(len("boom\n")), entry["bytes"])
}
