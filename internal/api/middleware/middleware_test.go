package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.POST("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	return r
}

func do(r http.Handler, method string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/ping", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAdminAuth(t *testing.T) {
	r := newEngine(AdminAuth("secret"))

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, map[string]string{"X-API-Key": "wrong"}).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, map[string]string{"X-API-Key": "secret"}).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, map[string]string{"Authorization": "Bearer secret"}).Code)

	open := newEngine(AdminAuth(""))
	assert.Equal(t, http.StatusOK, do(open, http.MethodGet, nil).Code)
}

func TestCORS(t *testing.T) {
	r := newEngine(CORS(NewOrigins([]string{"http://localhost:3000"})))

	w := do(r, http.MethodOptions, map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	w = do(r, http.MethodGet, map[string]string{"Origin": "http://evil.example"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = do(r, http.MethodGet, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOrigins(t *testing.T) {
	o := NewOrigins([]string{"https://Chat.Example.com/", " http://localhost:3000 ", ""})

	assert.True(t, o.Allowed("https://chat.example.com"))
	assert.True(t, o.Allowed("http://localhost:3000"))
	assert.True(t, o.Allowed(""))
	assert.False(t, o.Allowed("http://localhost:3001"))
	assert.False(t, o.Allowed("https://evil.example"))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, o.CheckOrigin(req))

	wildcard := NewOrigins([]string{"*"})
	assert.True(t, wildcard.Allowed("https://evil.example"))
	assert.False(t, NewOrigins(nil).Allowed("http://localhost:3000"))
}

func TestRateLimit(t *testing.T) {
	r := newEngine(RateLimit(60, 2))

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, nil).Code)

	w := do(r, http.MethodGet, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestLimiterPoolEvictsIdleClients(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := newLimiterPool(rate.Limit(1), 2)
	p.now = func() time.Time { return now }

	assert.True(t, p.Allow("10.0.0.1"))
	assert.True(t, p.Allow("10.0.0.1"))
	assert.False(t, p.Allow("10.0.0.1"))
	assert.True(t, p.Allow("10.0.0.2"))

	now = now.Add(time.Minute)
	assert.True(t, p.Allow("10.0.0.2"))
	assert.Equal(t, 2, p.size())

	now = now.Add(150 * time.Second)
	assert.True(t, p.Allow("10.0.0.3"))
	assert.Equal(t, 2, p.size())
	assert.NotContains(t, p.m, "10.0.0.1")
	assert.Contains(t, p.m, "10.0.0.2")

	now = now.Add(limiterIdle)
	assert.True(t, p.Allow("10.0.0.4"))
	assert.Equal(t, 1, p.size())
}

func TestLimiterPoolIdleCoversRefill(t *testing.T) {
	assert.Equal(t, limiterIdle, newLimiterPool(rate.Limit(1), 10).idle)
	assert.Equal(t, 10*time.Minute, newLimiterPool(rate.Limit(1.0/60), 10).idle)
}

func TestRequestLogger(t *testing.T) {
	r := newEngine(RequestLogger(zap.NewNop()))

	w := do(r, http.MethodGet, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.NotEmpty(t, w.Header().Get(ProcessTimeHeader))

	w = do(r, http.MethodGet, map[string]string{RequestIDHeader: "abc"})
	assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	r := newEngine(m.Instrument())
	r.GET("/metrics", gin.WrapH(m.Handler()))

	do(r, http.MethodGet, nil)
	do(r, http.MethodPost, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `medichat_http_requests_total{method="GET",route="/ping",status="200"} 1`)
	assert.Contains(t, string(body), `medichat_http_requests_total{method="POST",route="/ping",status="200"} 1`)
}
