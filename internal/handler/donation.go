package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Bshisia/community-hope/internal/donation"
	"github.com/Bshisia/community-hope/internal/ledger"
	"github.com/Bshisia/community-hope/internal/models"
	"github.com/Bshisia/community-hope/internal/mpesa"
	"github.com/Bshisia/community-hope/internal/util"

	"github.com/gin-gonic/gin"
)

// PaymentInitiator starts a push payment on the donor's phone.
type PaymentInitiator interface {
	Initiate(ctx context.Context, req mpesa.PushRequest) (mpesa.PushResponse, error)
}

// DonationHandler 负责捐款相关接口
type DonationHandler struct {
	Store     ledger.Store
	Donations *donation.Manager
	Payments  PaymentInitiator
	Logger    *slog.Logger
}

func NewDonationHandler(store ledger.Store, donations *donation.Manager, payments PaymentInitiator, logger *slog.Logger) *DonationHandler {
	return &DonationHandler{Store: store, Donations: donations, Payments: payments, Logger: logger}
}

type createDonationReq struct {
	ProjectID     uint   `json:"project_id"`
	Amount        int64  `json:"amount"`
	PaymentMethod string `json:"payment_method"`
	PhoneNumber   string `json:"phone_number"`
	Message       string `json:"message"`
}

// CreateDonation POST /api/donations
// M-Pesa donations trigger the STK push right away. If the push fails the
// donation stays pending and can be retried through /api/mpesa/stk-push.
func (h *DonationHandler) CreateDonation(c *gin.Context) {
	var req createDonationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "invalid request body")
		return
	}

	ctx := c.Request.Context()
	d, err := h.Donations.Create(ctx, donation.CreateInput{
		ProjectID:     req.ProjectID,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		PhoneNumber:   req.PhoneNumber,
		Message:       req.Message,
	})
	if err != nil {
		writeError(c, err, "donation")
		return
	}

	if d.PaymentMethod != models.PaymentMpesa {
		util.Success(c, util.Response{
			"donation": donationJSON(d, ""),
			"message":  "donation recorded",
		})
		return
	}

	phone := h.Donations.Phone(d)
	resp, attached, err := startPush(ctx, h.Payments, h.Donations, d, phone)
	if err != nil {
		h.pushFailed(c, d, phone, err)
		return
	}
	util.Success(c, util.Response{
		"donation": donationJSON(attached, phone),
		"message":  resp.CustomerMessage,
	})
}

// pushFailed answers for a donation that exists but has no provider token.
func (h *DonationHandler) pushFailed(c *gin.Context, d *models.Donation, phone string, err error) {
	if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrConflict) || donation.IsValidation(err) {
		writeError(c, err, "donation")
		return
	}
	h.Logger.Warn("stk push failed", "donation_id", d.ID, "err", err)
	util.Upstream(c, "payment request could not be sent, please retry", util.Response{
		"donation": donationJSON(d, phone),
	})
}

// startPush sends the STK push for d and attaches the returned token.
func startPush(ctx context.Context, payments PaymentInitiator, donations *donation.Manager, d *models.Donation, phone string) (mpesa.PushResponse, *models.Donation, error) {
	resp, err := payments.Initiate(ctx, mpesa.PushRequest{
		Phone:            phone,
		Amount:           d.Amount,
		AccountReference: fmt.Sprintf("CH-%d", d.ID),
		Description:      "Donation",
	})
	if err != nil {
		return mpesa.PushResponse{}, nil, err
	}
	attached, err := donations.AttachCorrelationToken(ctx, d.ID, resp.CheckoutRequestID)
	if err != nil {
		return mpesa.PushResponse{}, nil, err
	}
	return resp, attached, nil
}

// GetDonation GET /api/donations/:id，前端用来轮询支付状态
func (h *DonationHandler) GetDonation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	d, err := h.Store.GetDonation(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "donation")
		return
	}
	util.Success(c, util.Response{"donation": donationJSON(d, h.Donations.Phone(d))})
}

// ListDonations GET /api/donations?project_id=
// With project_id only completed donations of that project are listed.
func (h *DonationHandler) ListDonations(c *gin.Context) {
	var f ledger.DonationFilter
	if pid := c.Query("project_id"); pid != "" {
		id, err := strconv.ParseUint(pid, 10, 64)
		if err != nil || id == 0 {
			util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "invalid project_id")
			return
		}
		f.ProjectID = uint(id)
		f.Status = models.DonationCompleted
	}

	list, err := h.Store.ListDonations(c.Request.Context(), f)
	if err != nil {
		writeError(c, err, "donations")
		return
	}

	items := make([]gin.H, 0, len(list))
	for i := range list {
		items = append(items, donationJSON(&list[i], h.Donations.Phone(&list[i])))
	}
	util.Success(c, util.Response{
		"items": items,
		"total": len(items),
	})
}

// GetStats GET /api/admin/stats
func (h *DonationHandler) GetStats(c *gin.Context) {
	stats, err := h.Store.Stats(c.Request.Context(), ledger.MonthStart(time.Now()))
	if err != nil {
		writeError(c, err, "stats")
		return
	}
	util.Success(c, util.Response{"stats": stats})
}
