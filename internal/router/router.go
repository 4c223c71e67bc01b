package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Bshisia/community-hope/internal/account"
	"github.com/Bshisia/community-hope/internal/backup"
	"github.com/Bshisia/community-hope/internal/config"
	"github.com/Bshisia/community-hope/internal/donation"
	"github.com/Bshisia/community-hope/internal/handler"
	"github.com/Bshisia/community-hope/internal/ledger"
	"github.com/Bshisia/community-hope/internal/middleware"
	"github.com/Bshisia/community-hope/internal/util"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps is everything the HTTP layer needs.
type Deps struct {
	Config    *config.Config
	DB        *gorm.DB // admins, sessions, audit logs, backup index
	Store     ledger.Store
	Donations *donation.Manager
	Payments  handler.PaymentInitiator
	Accounts  *account.Service
	Backups   *backup.Service
	Logger    *slog.Logger
}

// SetupRouter configures the Gin engine and all API routes.
func SetupRouter(d Deps) *gin.Engine {
	cfg := d.Config
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// ====== API ======
	api := r.Group("/api")

	projectHandler := handler.NewProjectHandler(d.Store)
	api.GET("/projects", projectHandler.ListProjects)
	api.GET("/projects/:id", projectHandler.GetProject)

	donationHandler := handler.NewDonationHandler(d.Store, d.Donations, d.Payments, d.Logger)
	api.GET("/donations", donationHandler.ListDonations)
	api.POST("/donations", donationHandler.CreateDonation)
	api.GET("/donations/:id", donationHandler.GetDonation)
	api.POST("/mpesa/stk-push", donationHandler.STKPush)
	api.POST("/mpesa/callback", handler.MpesaCallback(d.Donations, d.Logger))

	// 登录接口（不需要鉴权）
	tokens := util.NewTokenIssuer(cfg.JWT.Secret, cfg.JWT.Issuer, time.Duration(cfg.JWT.ExpireHours)*time.Hour)
	authHandler := handler.NewAuthHandler(d.Accounts, tokens)
	api.POST("/auth/login", authHandler.Login)

	// 需要管理员登录才能访问的接口
	protected := api.Group("")
	protected.Use(
		middleware.AuthMiddleware(tokens, d.Accounts),
		middleware.AuditMiddleware(d.DB, cfg.Security.EncryptionKey, d.Logger),
	)

	protected.POST("/auth/logout", authHandler.Logout)
	protected.GET("/me", handler.GetMe)
	protected.POST("/profile/password", handler.ChangePassword(d.Accounts))

	protected.POST("/projects", projectHandler.CreateProject)
	protected.PUT("/projects/:id/status", projectHandler.UpdateProjectStatus)

	admin := protected.Group("/admin")
	admin.GET("/stats", donationHandler.GetStats)

	logHandler := handler.NewLogHandler(d.DB, cfg.Security.EncryptionKey, cfg.App.PageSize)
	admin.GET("/logs", logHandler.ListLogs)

	exportHandler := handler.NewExportHandler(d.Store, d.Donations)
	admin.GET("/export/csv", exportHandler.ExportCSV)
	admin.GET("/export/xlsx", exportHandler.ExportXLSX)

	backupHandler := handler.NewBackupHandler(d.Backups)
	admin.POST("/backups", backupHandler.CreateBackup)
	admin.GET("/backups", backupHandler.ListBackups)
	admin.GET("/backups/:id/download", backupHandler.DownloadBackup)
	admin.DELETE("/backups/:id", backupHandler.DeleteBackup)

	return r
}
