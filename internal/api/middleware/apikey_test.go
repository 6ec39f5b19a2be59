package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func apiKeyRouter(key string, perRequest bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(APIKeyAuth(func() string { return key }, func() bool { return perRequest }))
	r.GET("/probe", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func probe(r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/probe", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPIKeyGatewayMode(t *testing.T) {
	r := apiKeyRouter("secret", false)

	require.Equal(t, http.StatusUnauthorized, probe(r, nil).Code)
	require.Equal(t, http.StatusUnauthorized, probe(r, map[string]string{"x-api-key": "wrong"}).Code)
	require.Equal(t, http.StatusUnauthorized, probe(r, map[string]string{"Authorization": "Bearer wrong"}).Code)

	require.Equal(t, http.StatusOK, probe(r, map[string]string{"x-api-key": "secret"}).Code)
	require.Equal(t, http.StatusOK, probe(r, map[string]string{"Authorization": "Bearer secret"}).Code)
}

// In per-request mode the Authorization header carries the Kiro refresh
// token, so the proxy key is checked through x-api-key only.
func TestAPIKeyPerRequestMode(t *testing.T) {
	r := apiKeyRouter("secret", true)

	require.Equal(t, http.StatusOK, probe(r, map[string]string{"Authorization": "Bearer some-kiro-token"}).Code)
	require.Equal(t, http.StatusOK, probe(r, map[string]string{"x-api-key": "secret", "Authorization": "Bearer tok"}).Code)
	require.Equal(t, http.StatusUnauthorized, probe(r, map[string]string{"x-api-key": "wrong"}).Code)
}

func TestAPIKeyEmptyDisablesAuth(t *testing.T) {
	r := apiKeyRouter("", false)
	require.Equal(t, http.StatusOK, probe(r, nil).Code)
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/":                         "/",
		"/health":                   "/health",
		"/v1/chat/completions":      "/v1/chat/completions",
		"/chat/completions":         "/v1/chat/completions",
		"/v1/models":                "/v1/models",
		"/admin/accounts/42":        "/admin/accounts/*",
		"/admin/accounts/7/refresh": "/admin/accounts/*",
		"/auth/kiro/start":          "/auth/kiro/*",
		"/unknown/thing":            "/unknown/thing",
	}
	for in, want := range tests {
		require.Equal(t, want, normalizePath(in), in)
	}
}
