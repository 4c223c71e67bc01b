package handler

import (
	"fmt"
	"io"
	"net/http"

	"github.com/Bshisia/community-hope/internal/backup"
	"github.com/Bshisia/community-hope/internal/models"
	"github.com/Bshisia/community-hope/internal/util"

	"github.com/gin-gonic/gin"
)

// BackupHandler 负责备份相关接口
type BackupHandler struct {
	Backups *backup.Service
}

func NewBackupHandler(backups *backup.Service) *BackupHandler {
	return &BackupHandler{Backups: backups}
}

func backupJSON(b *models.Backup) gin.H {
	return gin.H{
		"id":         b.ID,
		"admin_id":   b.AdminID,
		"file_name":  b.FileName,
		"size":       b.Size,
		"projects":   b.Projects,
		"donations":  b.Donations,
		"created_at": b.CreatedAt,
	}
}

// CreateBackup 生成整个 ledger 的加密备份
func (h *BackupHandler) CreateBackup(c *gin.Context) {
	admin, ok := currentAdmin(c)
	if !ok {
		return
	}
	b, err := h.Backups.Create(c.Request.Context(), admin.ID)
	if err != nil {
		writeError(c, err, "backup")
		return
	}
	util.Success(c, util.Response{"backup": backupJSON(b)})
}

func (h *BackupHandler) ListBackups(c *gin.Context) {
	list, err := h.Backups.List(c.Request.Context())
	if err != nil {
		writeError(c, err, "backups")
		return
	}
	items := make([]gin.H, 0, len(list))
	for i := range list {
		items = append(items, backupJSON(&list[i]))
	}
	util.Success(c, util.Response{"items": items})
}

// DownloadBackup 下载加密后的备份文件（仍为密文）
func (h *BackupHandler) DownloadBackup(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	b, rc, err := h.Backups.Open(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "backup")
		return
	}
	defer rc.Close()

	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", b.FileName))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		_ = c.Error(err)
	}
}

// DeleteBackup 删除备份文件及记录
func (h *BackupHandler) DeleteBackup(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.Backups.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err, "backup")
		return
	}
	util.Success(c, util.Response{"message": "backup deleted"})
}
