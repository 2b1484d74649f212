package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newEngine(t *testing.T) (*gin.Engine, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	r := gin.New()
	Default(zap.New(core)).Apply(r)
	return r, logs
}

func serve(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestAccessLog(t *testing.T) {
	r, logs := newEngine(t)
	r.GET("/misc/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := serve(r, "/misc/ping")
	assert.Equal(t, "pong", w.Body.String())

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/misc/ping", fields["path"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
}

func TestRecover(t *testing.T) {
	r, logs := newEngine(t)
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := serve(r, "/boom")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "something went wrong", w.Body.String())

	require.Equal(t, 1, logs.FilterMessage("http handler panic").Len())
	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, http.StatusInternalServerError, entries[0].ContextMap()["status"])
}

func TestChainAdd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewChain()
	m.Add(func(c *gin.Context) {
		c.AbortWithStatus(http.StatusTeapot)
	})
	r := gin.New()
	m.Apply(r)
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusTeapot, serve(r, "/").Code)
	assert.Len(t, m.Handlers(), 1)
}
