package handler

import (
	"github.com/Bshisia/community-hope/internal/util"

	"github.com/gin-gonic/gin"
)

// GetMe 返回当前登录管理员信息（需要经过 AuthMiddleware）
func GetMe(c *gin.Context) {
	admin, ok := currentAdmin(c)
	if !ok {
		return
	}

	util.Success(c, util.Response{
		"admin": gin.H{
			"id":            admin.ID,
			"email":         admin.Email,
			"display_name":  admin.DisplayName,
			"created_at":    admin.CreatedAt,
			"last_login_at": admin.LastLoginAt,
			"last_login_ip": admin.LastLoginIP,
		},
	})
}
