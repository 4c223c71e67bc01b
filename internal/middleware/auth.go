package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Bshisia/community-hope/internal/account"
	"github.com/Bshisia/community-hope/internal/util"

	"github.com/gin-gonic/gin"
)

// Context keys set by AuthMiddleware.
const (
	CurrentAdminKey = "currentAdmin"
	SessionIDKey    = "sessionID"
	TokenCookie     = "ch_token"
)

// AuthMiddleware 校验 JWT 和对应 session，并在 context 里放入当前管理员。
func AuthMiddleware(tokens *util.TokenIssuer, accounts *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := extractToken(c)
		if tokenStr == "" {
			util.Abort(c, http.StatusUnauthorized, util.CodeAuth, "not logged in")
			return
		}

		claims, err := tokens.Parse(tokenStr)
		if err != nil {
			util.Abort(c, http.StatusUnauthorized, util.CodeAuth, "session expired, please log in again")
			return
		}

		// 登出或改密后 session 被撤销，即使 JWT 未过期也拒绝
		admin, err := accounts.ActiveAdmin(c.Request.Context(), claims.ID, claims.AdminID)
		if err != nil {
			if errors.Is(err, account.ErrSessionInvalid) {
				util.Abort(c, http.StatusUnauthorized, util.CodeAuth, "session expired, please log in again")
			} else {
				util.Abort(c, http.StatusInternalServerError, util.CodeServerErr, "failed to load session")
			}
			return
		}

		c.Set(CurrentAdminKey, admin)
		c.Set(SessionIDKey, claims.ID)
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	// 1) Header: Authorization: Bearer xxx
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	// 2) URL 查询参数 ?token=xxx（用于下载备份、导出等无法自定义 Header 的场景）
	if t := c.Query("token"); t != "" {
		return t
	}

	// 3) Cookie
	if cookie, err := c.Cookie(TokenCookie); err == nil {
		return cookie
	}
	return ""
}
