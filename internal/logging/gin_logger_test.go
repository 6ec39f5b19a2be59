package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func loggedRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinLogrusLogger())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/health", func(c *gin.Context) {
		SkipGinRequestLogging(c)
		c.String(http.StatusOK, "ok")
	})
	return r
}

func TestGinLoggerEmitsRequestLine(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	r := loggedRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/?token=secret&x=1", nil))

	require.Len(t, hook.Entries, 1)
	entry := hook.Entries[0]
	require.Equal(t, http.StatusOK, entry.Data["status"])
	require.Contains(t, entry.Data["path"], "token=%2A%2A%2A")
	require.NotContains(t, entry.Data["path"], "secret")
	require.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestGinLoggerSkipsMarkedRequests(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	r := loggedRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, hook.Entries, "marked requests produce no log line")
}
