package middleware

import (
	"context"
	"errors"

	"clinical-fhir-extractor/internal/auth"
	"clinical-fhir-extractor/utils"

	"github.com/gin-gonic/gin"
)

// APIKeyHeader carries an API key for clients that cannot set Authorization.
const APIKeyHeader = "X-API-Key"

// Context keys set by RequireAuth
const (
	ContextUserID    = "user_id"
	ContextUsername  = "username"
	ContextRole      = "role"
	ContextPrincipal = "principal"
)

type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*auth.Principal, error)
}

type AuthMiddleware struct {
	authn Authenticator
}

func NewAuthMiddleware(authn Authenticator) *AuthMiddleware {
	return &AuthMiddleware{authn: authn}
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := utils.ExtractTokenFromHeader(c.GetHeader("Authorization"))
		if credential == "" {
			credential = c.GetHeader(APIKeyHeader)
		}
		if credential == "" {
			utils.RespondWithUnauthorized(c, "Authentication token is required")
			c.Abort()
			return
		}

		principal, err := a.authn.Authenticate(c.Request.Context(), credential)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInactiveUser):
				utils.RespondWithForbidden(c, "User account is inactive")
			case errors.Is(err, auth.ErrAPIKeyExpired):
				utils.RespondWithUnauthorized(c, "API key has expired")
			case errors.Is(err, auth.ErrUnauthenticated):
				utils.RespondWithUnauthorized(c, "Invalid authentication credentials")
			default:
				utils.RespondWithInternalError(c, "Authentication failed", nil)
			}
			c.Abort()
			return
		}

		c.Set(ContextUserID, principal.UserID)
		c.Set(ContextUsername, principal.Username)
		c.Set(ContextRole, principal.Role)
		c.Set(ContextPrincipal, principal)
		c.Next()
	}
}

// IsAuthenticated reports whether RequireAuth accepted the request.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextUserID)
	return exists
}

func GetUserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

func GetUsername(c *gin.Context) string {
	return c.GetString(ContextUsername)
}

func GetRole(c *gin.Context) string {
	return c.GetString(ContextRole)
}

// GetPrincipal returns the authenticated caller, or nil.
func GetPrincipal(c *gin.Context) *auth.Principal {
	if v, exists := c.Get(ContextPrincipal); exists {
		if p, ok := v.(*auth.Principal); ok {
			return p
		}
	}
	return nil
}
