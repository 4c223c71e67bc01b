package handler

import (
	"errors"
	"net/http"

	"github.com/Bshisia/community-hope/internal/account"
	"github.com/Bshisia/community-hope/internal/util"

	"github.com/gin-gonic/gin"
)

// ChangePasswordReq 修改密码请求
type ChangePasswordReq struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

// ChangePassword 修改当前管理员密码；所有 session 随之失效
func ChangePassword(accounts *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		admin, ok := currentAdmin(c)
		if !ok {
			return
		}

		var req ChangePasswordReq
		if err := c.ShouldBindJSON(&req); err != nil {
			util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "old_password and new_password are required")
			return
		}

		err := accounts.ChangePassword(c.Request.Context(), admin, req.OldPassword, req.NewPassword)
		switch {
		case err == nil:
		case errors.Is(err, account.ErrInvalidCredentials):
			util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "old password is incorrect")
			return
		case errors.Is(err, account.ErrWeakPassword):
			util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, err.Error())
			return
		default:
			_ = c.Error(err)
			util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "failed to change password")
			return
		}

		util.Success(c, util.Response{
			"message": "password changed, please log in again",
		})
	}
}
