package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vendcash/collections_backend/utils"
)

const (
	HeaderUserId   = "X-User-Id"
	HeaderUserName = "X-User-Name"
	HeaderUserRole = "X-User-Role"

	roleAdmin = "admin"
)

// AuthMiddleware copies the caller identity set by the upstream gateway into the
// request context. Requests without identity pass through; RequireActor rejects them.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId := strings.TrimSpace(c.GetHeader(HeaderUserId))
		if userId == "" {
			c.Next()
			return
		}

		ctx := utils.SetUserIdInContext(c.Request.Context(), userId)
		if name := strings.TrimSpace(c.GetHeader(HeaderUserName)); name != "" {
			ctx = utils.SetUserNameInContext(ctx, name)
		}
		isAdmin := strings.EqualFold(strings.TrimSpace(c.GetHeader(HeaderUserRole)), roleAdmin)
		ctx = utils.SetIsAdminInContext(ctx, isAdmin)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetUserIdFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context()); !isAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			c.Abort()
			return
		}
		c.Next()
	}
}
