package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/lens/pkg/cache"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testKey = "lk-abcdef-0123456789-secret"

type fakeResolver struct {
	keys  map[string]string // api key -> project
	err   error
	calls int
}

func (f *fakeResolver) ProjectForAPIKey(_ context.Context, apiKey string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	project, ok := f.keys[apiKey]
	if !ok {
		return "", errors.New("api key not found")
	}
	return project, nil
}

func newCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"project": ProjectID(c), "request_id": c.GetString(ContextKeyRequestID)})
	})
	r.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	return r
}

func do(r http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	resolver := &fakeResolver{keys: map[string]string{testKey: "proj-1"}}
	r := newRouter(AuthMiddleware(resolver, nil, logging.Nop{}))

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing key", nil, http.StatusUnauthorized},
		{"short key", map[string]string{"X-API-Key": "short"}, http.StatusUnauthorized},
		{"wrong secret", map[string]string{"X-API-Key": testKey[:15] + "-wrong-secret-value"}, http.StatusUnauthorized},
		{"unknown prefix", map[string]string{"X-API-Key": "zz-unknown-key-value"}, http.StatusUnauthorized},
		{"x-api-key", map[string]string{"X-API-Key": testKey}, http.StatusOK},
		{"bearer", map[string]string{"Authorization": "Bearer " + testKey}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, "/ping", tt.headers)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"project":"proj-1"`)
			}
		})
	}
}

func TestAuthMiddleware_KeysSharingAPrefixResolveToTheirOwnProjects(t *testing.T) {
	other := testKey[:15] + "-another-secret"
	resolver := &fakeResolver{keys: map[string]string{testKey: "proj-1", other: "proj-2"}}
	r := newRouter(AuthMiddleware(resolver, nil, logging.Nop{}))

	w := do(r, "/ping", map[string]string{"X-API-Key": testKey})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"project":"proj-1"`)

	w = do(r, "/ping", map[string]string{"X-API-Key": other})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"project":"proj-2"`)
}

func TestAuthMiddleware_CachesValidatedKeys(t *testing.T) {
	c, mr := newCache(t)
	resolver := &fakeResolver{keys: map[string]string{testKey: "proj-1"}}
	r := newRouter(AuthMiddleware(resolver, c, logging.Nop{}))

	for i := 0; i < 3; i++ {
		w := do(r, "/ping", map[string]string{"X-API-Key": testKey})
		require.Equal(t, http.StatusOK, w.Code)
	}

	assert.Equal(t, 1, resolver.calls)
	cached, err := mr.Get("auth:" + hashAPIKey(testKey)[:16])
	require.NoError(t, err)
	assert.Equal(t, "proj-1", cached)
	for _, k := range mr.Keys() {
		assert.NotContains(t, k, testKey, "raw keys must never reach Redis")
	}
}

func TestAuthMiddleware_CacheDownFallsBackToDatabase(t *testing.T) {
	c, mr := newCache(t)
	mr.Close()
	resolver := &fakeResolver{keys: map[string]string{testKey: "proj-1"}}
	r := newRouter(AuthMiddleware(resolver, c, logging.Nop{}))

	w := do(r, "/ping", map[string]string{"X-API-Key": testKey})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, resolver.calls)
}

func TestRateLimitMiddleware(t *testing.T) {
	c, mr := newCache(t)
	r := newRouter(RateLimitMiddleware(c, 2, time.Minute, logging.Nop{}))
	headers := map[string]string{"X-API-Key": testKey}

	assert.Equal(t, http.StatusOK, do(r, "/ping", headers).Code)
	assert.Equal(t, http.StatusOK, do(r, "/ping", headers).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, "/ping", headers).Code)

	// Other callers have their own window.
	assert.Equal(t, http.StatusOK, do(r, "/ping", map[string]string{"X-API-Key": "another-key-0123456789"}).Code)

	mr.FastForward(time.Minute + time.Second)
	assert.Equal(t, http.StatusOK, do(r, "/ping", headers).Code)
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	c, mr := newCache(t)
	mr.Close()
	r := newRouter(RateLimitMiddleware(c, 1, time.Minute, logging.Nop{}))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(r, "/ping", nil).Code)
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	c, _ := newCache(t)
	r := newRouter(RateLimitMiddleware(c, 0, time.Minute, logging.Nop{}))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(r, "/ping", nil).Code)
	}
}

func TestRateLimitMiddleware_LocalWithoutCache(t *testing.T) {
	r := newRouter(RateLimitMiddleware(nil, 2, time.Minute, logging.Nop{}))
	headers := map[string]string{"X-API-Key": testKey}

	assert.Equal(t, http.StatusOK, do(r, "/ping", headers).Code)
	assert.Equal(t, http.StatusOK, do(r, "/ping", headers).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, "/ping", headers).Code)

	// Other callers have their own bucket.
	assert.Equal(t, http.StatusOK, do(r, "/ping", map[string]string{"X-API-Key": testKey + "-other"}).Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	r := newRouter(RequestIDMiddleware())

	w := do(r, "/ping", map[string]string{HeaderRequestID: "req-123"})
	assert.Equal(t, "req-123", w.Header().Get(HeaderRequestID))
	assert.Contains(t, w.Body.String(), `"request_id":"req-123"`)

	w = do(r, "/ping", nil)
	assert.Len(t, w.Header().Get(HeaderRequestID), 36)
}

func TestAdminKeyMiddleware(t *testing.T) {
	r := newRouter(AdminKeyMiddleware("admin-secret"))

	assert.Equal(t, http.StatusUnauthorized, do(r, "/ping", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/ping", map[string]string{"X-Admin-Key": "nope"}).Code)
	assert.Equal(t, http.StatusOK, do(r, "/ping", map[string]string{"X-Admin-Key": "admin-secret"}).Code)
	assert.Equal(t, http.StatusOK, do(r, "/ping", map[string]string{"Authorization": "Bearer admin-secret"}).Code)

	disabled := newRouter(AdminKeyMiddleware(""))
	assert.Equal(t, http.StatusUnauthorized, do(disabled, "/ping", nil).Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	r := newRouter(RecoveryMiddleware(logging.Nop{}), LoggingMiddleware(logging.Nop{}))

	w := do(r, "/panic", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_server_error")
}
