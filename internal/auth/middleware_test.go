package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newEngine(cfg Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.Use(NewMiddleware(cfg).GinAuth())
	g.GET("/status", func(c *gin.Context) {
		res, _ := c.Get(ResultKey)
		c.JSON(http.StatusOK, res)
	})
	g.POST("/restart", func(c *gin.Context) { c.Status(http.StatusOK) })
	return g
}

func call(g *gin.Engine, method, path, token string) int {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	return w.Code
}

func TestGinAuth(t *testing.T) {
	g := newEngine(Config{Token: "s3cret", ReadToken: "look"})

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"no token", http.MethodGet, "/status", "", http.StatusUnauthorized},
		{"wrong token", http.MethodGet, "/status", "nope", http.StatusUnauthorized},
		{"admin read", http.MethodGet, "/status", "s3cret", http.StatusOK},
		{"admin write", http.MethodPost, "/restart", "s3cret", http.StatusOK},
		{"viewer read", http.MethodGet, "/status", "look", http.StatusOK},
		{"viewer write", http.MethodPost, "/restart", "look", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, call(g, tt.method, tt.path, tt.token))
		})
	}
}

func TestGinAuthDisabled(t *testing.T) {
	g := newEngine(Config{})
	assert.Equal(t, http.StatusOK, call(g, http.MethodPost, "/restart", ""))
}

func TestAuthenticate(t *testing.T) {
	cfg := Config{Token: "abc"}
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	req.Header.Set("Authorization", "bearer abc")
	res, err := cfg.Authenticate(req)
	assert.NoError(t, err)
	assert.Equal(t, RoleAdmin, res.Role)
	assert.True(t, res.CanWrite())

	req.Header.Set("Authorization", "Basic abc")
	_, err = cfg.Authenticate(req)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	req.Header.Set("Authorization", "Bearer ")
	_, err = cfg.Authenticate(req)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
