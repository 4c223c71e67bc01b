package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Bshisia/community-hope/internal/donation"
	"github.com/Bshisia/community-hope/internal/ledger"
	"github.com/Bshisia/community-hope/internal/middleware"
	"github.com/Bshisia/community-hope/internal/models"
	"github.com/Bshisia/community-hope/internal/util"

	"github.com/gin-gonic/gin"
)

// currentAdmin 取出 AuthMiddleware 放入的管理员；没有时直接返回 401
func currentAdmin(c *gin.Context) (*models.Admin, bool) {
	v, ok := c.Get(middleware.CurrentAdminKey)
	if !ok {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "not logged in")
		return nil, false
	}
	admin, ok := v.(*models.Admin)
	if !ok || admin == nil {
		util.Error(c, http.StatusUnauthorized, util.CodeAuth, "not logged in")
		return nil, false
	}
	return admin, true
}

func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// writeError maps ledger and lifecycle errors onto the response envelope.
func writeError(c *gin.Context, err error, what string) {
	var ve *donation.ValidationError
	switch {
	case errors.As(err, &ve):
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, ve.Error())
	case errors.Is(err, ledger.ErrNotFound):
		util.Error(c, http.StatusNotFound, util.CodeNotFound, what+" not found")
	case errors.Is(err, ledger.ErrConflict):
		util.Error(c, http.StatusConflict, util.CodeConflict, err.Error())
	default:
		_ = c.Error(err)
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "failed to process "+what)
	}
}

func projectJSON(p *models.Project) gin.H {
	return gin.H{
		"id":            p.ID,
		"name":          p.Name,
		"description":   p.Description,
		"image_url":     p.ImageURL,
		"target_amount": p.TargetAmount,
		"raised_amount": p.RaisedAmount,
		"category":      p.Category,
		"status":        p.Status,
		"created_at":    p.CreatedAt,
		"updated_at":    p.UpdatedAt,
	}
}

// donationJSON never exposes the correlation token or the full phone number.
func donationJSON(d *models.Donation, phone string) gin.H {
	h := gin.H{
		"id":                 d.ID,
		"project_id":         d.ProjectID,
		"amount":             d.Amount,
		"payment_method":     d.PaymentMethod,
		"status":             d.Status,
		"provider_reference": d.ProviderReference,
		"message":            d.Message,
		"created_at":         d.CreatedAt,
		"updated_at":         d.UpdatedAt,
	}
	if phone != "" {
		h["phone_number"] = util.MaskPhoneNumber(phone)
	}
	if d.Project != nil {
		h["project_name"] = d.Project.Name
	}
	return h
}
