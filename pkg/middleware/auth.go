package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-netting/internal/auth"
	"github.com/ksred/klear-netting/pkg/response"
)

// Context keys set by JWTAuth
const (
	ContextClientID    = "clientID"
	ContextPermissions = "permissions"
	ContextClaims      = "claims"
)

// TokenValidator is satisfied by auth.Service
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

func JWTAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
			response.Unauthorized(c, "Invalid authorization header format")
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set(ContextClaims, claims)
		c.Set(ContextClientID, claims.ClientID)
		c.Set(ContextPermissions, claims.Permissions)
		c.Next()
	}
}

// RequirePermission rejects callers whose token lacks permission
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range Permissions(c) {
			if p == permission {
				c.Next()
				return
			}
		}
		response.Forbidden(c, "Missing permission: "+permission)
		c.Abort()
	}
}

// ClientID returns the authenticated client, or "" outside JWTAuth
func ClientID(c *gin.Context) string {
	return c.GetString(ContextClientID)
}

func Permissions(c *gin.Context) []string {
	return c.GetStringSlice(ContextPermissions)
}
