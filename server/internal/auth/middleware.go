package auth

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	KeyUserID   = "user_id"
	KeyUsername = "username"
)

// IdentityHook 认证成功后调用，用于登记用户名；失败不影响请求
type IdentityHook func(ctx context.Context, id Identity)

// Middleware REST 认证中间件，只接受 Authorization 头
func Middleware(v *Verifier, hook IdentityHook) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := v.VerifyRequest(c.Request, false)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": err.Error(),
			})
			return
		}

		c.Set(KeyUserID, id.UserID)
		c.Set(KeyUsername, id.Username)
		if hook != nil {
			hook(c.Request.Context(), id)
		}
		c.Next()
	}
}

// UserID 读取中间件写入的 user id
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(KeyUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok && id > 0
}
