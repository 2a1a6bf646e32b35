package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/ratelimit"
)

func serve(t *testing.T, e *echo.Echo, ip string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = ip + ":4000"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func newServer(mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.Use(mw...)
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	e.GET("/boom", func(c echo.Context) error { panic("kaboom") })
	return e
}

func TestRequestID_MintsAndPropagates(t *testing.T) {
	e := newServer(RequestID())

	rec := serve(t, e, "10.0.0.1")
	minted := rec.Header().Get(RequestIDHeader)
	assert.Len(t, minted, 36)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "trace-abc")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, "trace-abc", rec.Header().Get(RequestIDHeader))
}

func TestRequestID_RejectsOversizedHeader(t *testing.T) {
	e := newServer(RequestID())
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, string(bytes.Repeat([]byte("x"), maxRequestIDLen+1)))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
}

func TestLogger_WritesRequestLine(t *testing.T) {
	var buf bytes.Buffer
	e := newServer(RequestID(), Logger(zerolog.New(&buf)))

	rec := serve(t, e, "10.0.0.1")
	require.Equal(t, http.StatusOK, rec.Code)
	out := buf.String()
	assert.Contains(t, out, `"request_id":"`+rec.Header().Get(RequestIDHeader)+`"`)
	assert.Contains(t, out, `"status":200`)
	assert.Contains(t, out, `"route":"/ping"`)
}

func TestLogger_ContextLoggerCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(RequestID(), Logger(zerolog.New(&buf)))
	e.GET("/svc", func(c echo.Context) error {
		zerolog.Ctx(c.Request().Context()).Info().Msg("inside service")
		return c.NoContent(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodGet, "/svc", nil)
	req.Header.Set(RequestIDHeader, "rid-7")
	e.ServeHTTP(httptest.NewRecorder(), req)

	assert.Contains(t, buf.String(), `"request_id":"rid-7","message":"inside service"`)
}

func TestRecovery_ReturnsInternalError(t *testing.T) {
	var buf bytes.Buffer
	e := newServer(RequestID(), Recovery(zerolog.New(&buf)))

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"code":"internal_error"}`, rec.Body.String())
	assert.Contains(t, buf.String(), "kaboom")
}

func TestSecurityHeaders(t *testing.T) {
	rec := serve(t, newServer(SecurityHeaders()), "10.0.0.1")
	for _, kv := range securityHeaders {
		assert.Equal(t, kv[1], rec.Header().Get(kv[0]), kv[0])
	}
}

func TestThrottle_BlocksAfterLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(time.Now)
	e := newServer(Throttle(limiter, ThrottleConfig{Limit: 2, Window: time.Minute}))

	for i := 0; i < 2; i++ {
		rec := serve(t, e, "10.0.0.1")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(1-i), rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := serve(t, e, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"code":"rate_limited","message":"too many requests","retryable":true}`, rec.Body.String())
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 60, retry, 1)

	// Other clients keep their own budget.
	assert.Equal(t, http.StatusOK, serve(t, e, "10.0.0.2").Code)
}

func TestThrottle_ScopesAreIndependent(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(time.Now)
	strict := Throttle(limiter, ThrottleConfig{Limit: 1, Window: time.Minute, Scope: "public"})
	loose := Throttle(limiter, ThrottleConfig{Limit: 1, Window: time.Minute, Scope: "staff"})

	assert.Equal(t, http.StatusOK, serve(t, newServer(strict), "10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, serve(t, newServer(loose), "10.0.0.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(t, newServer(strict), "10.0.0.1").Code)
}

type brokenLimiter struct{ ratelimit.Limiter }

func (brokenLimiter) Increment(context.Context, string, time.Duration) (ratelimit.Counter, error) {
	return ratelimit.Counter{}, errors.New("redis down")
}

func TestThrottle_FailsOpen(t *testing.T) {
	e := newServer(Throttle(brokenLimiter{}, ThrottleConfig{Limit: 1}))
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(t, e, "10.0.0.1").Code)
	}
}

func TestThrottle_BodyMatchesErrorTaxonomy(t *testing.T) {
	e := echo.New()
	limiter := ratelimit.NewMemoryLimiter(time.Now)
	mw := Throttle(limiter, ThrottleConfig{Limit: 1})
	h := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	newCtx := func() echo.Context {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.1.1.1:1"
		return e.NewContext(req, httptest.NewRecorder())
	}
	require.NoError(t, h(newCtx()))

	err := h(newCtx())
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusTooManyRequests, he.Code)
	assert.Equal(t, "rate_limited", he.Message.(apperr.Body).Code)
}
