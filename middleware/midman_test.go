package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestManagerSetReplacesInPlace(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewManager()
	var trace []string
	m.Set("a", func(c *gin.Context) { trace = append(trace, "a1") })
	m.Set("b", func(c *gin.Context) { trace = append(trace, "b") })
	m.Set("a", func(c *gin.Context) { trace = append(trace, "a2") })
	assert.Equal(t, []string{"a", "b"}, m.Names())

	e := gin.New()
	e.Use(m.Use())
	e.GET("/x", func(c *gin.Context) { trace = append(trace, "handler") })
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, []string{"a2", "b", "handler"}, trace)

	m.Remove("a")
	assert.Equal(t, []string{"b"}, m.Names())
}

func TestManagerAbortStopsChain(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewManager()
	m.Set("origin", Origin([]string{"app.vechat.io"}))
	called := false

	e := gin.New()
	e.Use(m.Use())
	e.GET("/x", func(c *gin.Context) { called = true })

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Origin", "https://evil.io")
	e.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, called)
}
