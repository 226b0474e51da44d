package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the caller's Result.
const ResultKey = "auth_result"

// Middleware enforces Config on gin routes.
type Middleware struct {
	cfg Config
}

func NewMiddleware(cfg Config) *Middleware { return &Middleware{cfg: cfg} }

// GinAuth rejects unauthenticated requests with 401 and read-only callers on
// non-GET requests with 403. It passes everything through when auth is disabled.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.cfg.Enabled() {
			c.Next()
			return
		}
		res, err := m.cfg.Authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="gamewatch"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if !readOnly(c.Request.Method) && !res.CanWrite() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

func readOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}
