// Package auth guards the admin API with a static bearer token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const adminContextKey = "auth_admin"

// Service validates the admin token.
type Service struct {
	token      string
	headerName string
}

// NewService returns a Service accepting token. An empty token rejects every request.
func NewService(token string) *Service {
	return &Service{token: token, headerName: "Authorization"}
}

// Middleware validates bearer tokens and marks the request as authenticated.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin api disabled: no admin token configured"})
			return
		}
		authToken := s.extractToken(c)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		if !s.Valid(authToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(adminContextKey, true)
		c.Next()
	}
}

// Valid compares in constant time.
func (s *Service) Valid(token string) bool {
	return s.token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}

// IsAdmin reports whether the middleware authenticated the request.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(adminContextKey)
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
