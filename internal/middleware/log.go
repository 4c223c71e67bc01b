package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"strings"

	"github.com/Bshisia/community-hope/internal/models"
	"github.com/Bshisia/community-hope/internal/util"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const maxAuditBody = 2000

// AuditMiddleware records admin requests with AES-encrypted path and action.
// It must run after AuthMiddleware.
func AuditMiddleware(db *gorm.DB, encryptKey string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var adminID uint
		if v, ok := c.Get(CurrentAdminKey); ok {
			if admin, ok := v.(*models.Admin); ok && admin != nil {
				adminID = admin.ID
			}
		}

		// 读取请求体
		var bodyBytes []byte
		if c.Request.Body != nil {
			bodyBytes, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		}

		c.Next()

		if adminID == 0 {
			return
		}

		path := c.Request.URL.Path
		action := c.Request.Method + " " + path
		// 密码类请求不记录请求体
		if len(bodyBytes) > 0 && len(bodyBytes) < maxAuditBody && !strings.Contains(path, "password") {
			action += " " + string(bodyBytes)
		}

		encPath, err := util.EncryptField(encryptKey, path)
		if err != nil {
			logger.Error("encrypt audit path", "err", err)
			return
		}
		encAction, err := util.EncryptField(encryptKey, action)
		if err != nil {
			logger.Error("encrypt audit action", "err", err)
			return
		}

		entry := models.AuditLog{
			AdminID:   &adminID,
			PathEnc:   encPath,
			Method:    c.Request.Method,
			ActionEnc: encAction,
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		}
		if err := db.WithContext(c.Request.Context()).Create(&entry).Error; err != nil {
			logger.Error("write audit log", "err", err, "path", path)
		}
	}
}
