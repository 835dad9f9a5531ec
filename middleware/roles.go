package middleware

import (
	"net/http"
	"slices"

	"clinical-fhir-extractor/models"
	"clinical-fhir-extractor/utils"

	"github.com/gin-gonic/gin"
)

type RoleMiddleware struct{}

func NewRoleMiddleware() *RoleMiddleware {
	return &RoleMiddleware{}
}

func (r *RoleMiddleware) RequireRole(allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := GetRole(c)
		if role == "" {
			utils.RespondWithUnauthorized(c, "User role not found")
			c.Abort()
			return
		}

		if !slices.Contains(allowedRoles, role) {
			utils.RespondWithError(c, http.StatusForbidden, "forbidden", "Insufficient permissions", gin.H{
				"required_roles": allowedRoles,
				"user_role":      role,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (r *RoleMiddleware) AdminGuard() gin.HandlerFunc {
	return r.RequireRole(models.RoleAdmin)
}

// ExtractorGuard admits every role that may submit documents.
func (r *RoleMiddleware) ExtractorGuard() gin.HandlerFunc {
	return r.RequireRole(models.RoleAdmin, models.RoleClinician, models.RoleResearcher, models.RoleUser)
}

func IsAdmin(c *gin.Context) bool {
	return GetRole(c) == models.RoleAdmin
}
