package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
)

// tokenSource pulls a raw token out of a request, or returns "".
type tokenSource func(c *gin.Context) string

func bearerToken(c *gin.Context) string {
	scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func queryToken(c *gin.Context) string {
	return c.Query("token")
}

// RequireAdminJWT guards the proctor API: snapshots, timer control and
// announcements under /api/v1/admin. The token comes from the Authorization
// header, or from ?token= for dashboard EventSource streams that cannot set
// headers.
func RequireAdminJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireToken(authService, service.TokenTypeAdmin, response.ErrAdminAccessOnly, bearerToken, queryToken)
}

// RequireStudentWSAuth guards the student exam stream under /ws/v1. Browsers cannot attach
// headers to a WebSocket upgrade, so only ?token= is read.
func RequireStudentWSAuth(authService *service.AuthService) gin.HandlerFunc {
	return requireToken(authService, service.TokenTypeStudent, response.ErrStudentAccessOnly, queryToken)
}

func requireToken(authService *service.AuthService, want service.TokenType, wrongType response.ErrCode, sources ...tokenSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		var raw string
		for _, src := range sources {
			if raw = src(c); raw != "" {
				break
			}
		}
		if raw == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		claims, err := authService.ValidateToken(raw)
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}
		if claims.TokenType != want {
			response.AbortFail(c, http.StatusForbidden, wrongType)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// GetClaims returns the claims stored by the auth middleware, or nil on
// routes that run without it.
func GetClaims(c *gin.Context) *service.Claims {
	v, _ := c.Get(ContextKeyClaims)
	claims, _ := v.(*service.Claims)
	return claims
}
