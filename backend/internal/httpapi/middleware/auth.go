package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"collabsync/backend/internal/auth"
)

const identityKey = "identity"

// Auth 校验 token，路由带 :id 时同时校验对该文档的权限，结果写入 gin.Context
func Auth(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.ExtractToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}
		id, err := v.Validate(c.Request.Context(), token, c.Param("id"))
		if err != nil {
			status, code := statusFor(err)
			c.AbortWithStatusJSON(status, gin.H{"code": code, "message": code})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// RequirePermission 在 Auth 之后使用
func RequirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := Identity(c)
		if !ok || !id.Can(perm) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "missing permission " + perm})
			return
		}
		c.Next()
	}
}

func Identity(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHENTICATED"
	default:
		return http.StatusBadGateway, "AUTH_UPSTREAM_ERROR"
	}
}
