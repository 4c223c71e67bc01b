package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/Bshisia/community-hope/internal/donation"
	"github.com/Bshisia/community-hope/internal/ledger"
	"github.com/Bshisia/community-hope/internal/models"
	"github.com/Bshisia/community-hope/internal/mpesa"
	"github.com/Bshisia/community-hope/internal/util"

	"github.com/gin-gonic/gin"
)

const maxCallbackBody = 64 << 10

// Reconciler applies a parsed provider callback.
type Reconciler interface {
	Reconcile(ctx context.Context, n donation.Notification) (donation.Result, error)
}

type stkPushReq struct {
	DonationID uint `json:"donation_id" binding:"required"`
}

// STKPush POST /api/mpesa/stk-push，为还没有发出支付请求的 M-Pesa 捐款发起支付
// （例如创建时 STK push 失败的捐款）
func (h *DonationHandler) STKPush(c *gin.Context) {
	var req stkPushReq
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "donation_id is required")
		return
	}

	ctx := c.Request.Context()
	d, err := h.Store.GetDonation(ctx, req.DonationID)
	if err != nil {
		writeError(c, err, "donation")
		return
	}
	if d.PaymentMethod != models.PaymentMpesa {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "donation is not an M-Pesa donation")
		return
	}
	if d.Status != models.DonationPending {
		util.Error(c, http.StatusConflict, util.CodeConflict, "donation is already "+string(d.Status))
		return
	}
	// 一笔捐款只发起一次支付；没有收到回调时由运维用 reconcile 命令处理
	if ledger.HasProviderToken(d) {
		util.Error(c, http.StatusConflict, util.CodeConflict, "payment request already sent, awaiting confirmation")
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

func ackCallback(c *gin.Context, desc string) {
	c.JSON(http.StatusOK, gin.H{
		"ResultCode": 0,
		"ResultDesc": desc,
	})
}

// MpesaCallback POST /api/mpesa/callback
// The provider always gets a 200 acknowledgement, whatever happens here,
// so it does not keep retrying. Failures are only logged.
func MpesaCallback(reconciler Reconciler, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic while reconciling callback", "panic", r)
				ackCallback(c, "Callback received")
			}
		}()

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
		if err != nil {
			logger.Warn("read mpesa callback", "err", err)
			ackCallback(c, "Callback received")
			return
		}

		cb, err := mpesa.ParseCallback(body)
		if err != nil {
			logger.Warn("malformed mpesa callback", "err", err, "body_size", len(body))
			ackCallback(c, "Callback received")
			return
		}

		n := cb.Notification()
		res, err := reconciler.Reconcile(c.Request.Context(), n)
		if err != nil {
			logger.Error("reconcile mpesa callback",
				"err", err,
				"checkout_request_id", cb.CheckoutRequestID,
				"result_code", cb.ResultCode.String(),
			)
			ackCallback(c, "Callback received")
			return
		}

		logger.Info("mpesa callback processed",
			"checkout_request_id", cb.CheckoutRequestID,
			"merchant_request_id", cb.MerchantRequestID,
			"result", string(res),
		)
		ackCallback(c, "Callback received successfully")
	}
}

var _ Reconciler = (*donation.Manager)(nil)
