package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestOriginOK(t *testing.T) {
	allowed := []string{"app.vechat.io", "*.erp.local", "https://admin.vechat.io"}
	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.vechat.io", true},
		{"http://app.vechat.io:3000", true},
		{"https://crm.erp.local", true},
		{"https://admin.vechat.io", true},
		{"http://admin.vechat.io", false},
		{"https://evil.io", false},
		{"not a url", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, originOK(allowed, c.origin), c.origin)
	}
	assert.True(t, originOK(nil, "https://anything.io"))
}

func TestOriginMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.Use(Origin([]string{"app.vechat.io"}))
	e.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.Header.Set("Origin", "https://evil.io")
	e.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.Header.Set("Origin", "https://app.vechat.io")
	e.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.vechat.io", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
