package handler

import (
	"errors"
	"net/http"

	"github.com/Bshisia/community-hope/internal/account"
	"github.com/Bshisia/community-hope/internal/middleware"
	"github.com/Bshisia/community-hope/internal/util"

	"github.com/gin-gonic/gin"
)

// AuthHandler 负责管理员登录/登出
type AuthHandler struct {
	Accounts *account.Service
	Tokens   *util.TokenIssuer
}

func NewAuthHandler(accounts *account.Service, tokens *util.TokenIssuer) *AuthHandler {
	return &AuthHandler{Accounts: accounts, Tokens: tokens}
}

type loginReq struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "email and password are required")
		return
	}

	ctx := c.Request.Context()
	admin, err := h.Accounts.Authenticate(ctx, req.Email, req.Password, c.ClientIP())
	if err != nil {
		switch {
		case errors.Is(err, account.ErrInvalidCredentials), errors.Is(err, account.ErrLocked):
			util.Error(c, http.StatusUnauthorized, util.CodeAuth, err.Error())
		default:
			_ = c.Error(err)
			util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "login failed")
		}
		return
	}

	sess, err := h.Accounts.StartSession(ctx, admin.ID, h.Tokens.TTL)
	if err != nil {
		_ = c.Error(err)
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "login failed")
		return
	}

	token, _, err := h.Tokens.Issue(admin.ID, sess.ID)
	if err != nil {
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "failed to issue token")
		return
	}

	util.Success(c, util.Response{
		"token":      token,
		"expires_at": sess.ExpiresAt,
		"admin": gin.H{
			"id":           admin.ID,
			"email":        admin.Email,
			"display_name": admin.DisplayName,
		},
	})
}

// Logout 撤销当前 session，之后同一个 JWT 不再可用
func (h *AuthHandler) Logout(c *gin.Context) {
	if _, ok := currentAdmin(c); !ok {
		return
	}
	sessionID := c.GetString(middleware.SessionIDKey)
	if err := h.Accounts.RevokeSession(c.Request.Context(), sessionID); err != nil {
		_ = c.Error(err)
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "logout failed")
		return
	}
	util.Success(c, util.Response{"message": "logged out"})
}
