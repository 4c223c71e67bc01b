package handler

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Bshisia/community-hope/internal/donation"
	"github.com/Bshisia/community-hope/internal/ledger"
	"github.com/Bshisia/community-hope/internal/models"
	"github.com/Bshisia/community-hope/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
)

// ExportHandler 导出捐款明细
type ExportHandler struct {
	Store     ledger.Store
	Donations *donation.Manager
}

func NewExportHandler(store ledger.Store, donations *donation.Manager) *ExportHandler {
	return &ExportHandler{Store: store, Donations: donations}
}

var exportHeaders = []string{"ID", "Project", "Amount (KES)", "Method", "Phone", "Status", "Receipt", "Message", "Date"}

// filter reads status / start / end (YYYY-MM-DD) from the query string.
func (h *ExportHandler) filter(c *gin.Context) (ledger.DonationFilter, bool) {
	var f ledger.DonationFilter
	if s := c.Query("status"); s != "" {
		f.Status = models.DonationStatus(s)
		switch f.Status {
		case models.DonationPending, models.DonationCompleted, models.DonationFailed:
		default:
			util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "status must be pending, completed or failed")
			return f, false
		}
	}
	if s := c.Query("start"); s != "" {
		if err := util.ValidateDate(s); err != nil {
			util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "invalid start date")
			return f, false
		}
		f.Since, _ = time.ParseInLocation("2006-01-02", s, time.Local)
	}
	if s := c.Query("end"); s != "" {
		if err := util.ValidateDate(s); err != nil {
			util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "invalid end date")
			return f, false
		}
		end, _ := time.ParseInLocation("2006-01-02", s, time.Local)
		f.Until = end.Add(24 * time.Hour)
	}
	return f, true
}

func (h *ExportHandler) rows(c *gin.Context) ([][]string, bool) {
	f, ok := h.filter(c)
	if !ok {
		return nil, false
	}
	list, err := h.Store.ListDonations(c.Request.Context(), f)
	if err != nil {
		writeError(c, err, "donations")
		return nil, false
	}

	rows := make([][]string, 0, len(list))
	for i := range list {
		d := &list[i]
		project := ""
		if d.Project != nil {
			project = d.Project.Name
		}
		rows = append(rows, []string{
			strconv.FormatUint(uint64(d.ID), 10),
			project,
			strconv.FormatInt(d.Amount, 10),
			d.PaymentMethod,
			util.MaskPhoneNumber(h.Donations.Phone(d)),
			string(d.Status),
			d.ProviderReference,
			d.Message,
			d.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	return rows, true
}

// ExportCSV 导出捐款为 CSV
func (h *ExportHandler) ExportCSV(c *gin.Context) {
	rows, ok := h.rows(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"donations_%s.csv\"",
		time.Now().Format("20060102")))

	// UTF-8 BOM（让 Excel 正确识别编码）
	_, _ = c.Writer.Write([]byte{0xEF, 0xBB, 0xBF})

	w := csv.NewWriter(c.Writer)
	_ = w.Write(exportHeaders)
	_ = w.WriteAll(rows)
}

// ExportXLSX 导出捐款为 XLSX
func (h *ExportHandler) ExportXLSX(c *gin.Context) {
	rows, ok := h.rows(c)
	if !ok {
		return
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Donations"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		util.Error(c, http.StatusInternalServerError, util.CodeServerErr, "failed to create sheet")
		return
	}

	for i, title := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, title)
	}
	for r, row := range rows {
		for col, v := range row {
			cell, _ := excelize.CoordinatesToCellName(col+1, r+2)
			if col == 2 {
				// 金额按数字写入，方便在 Excel 里求和
				n, _ := strconv.ParseInt(v, 10, 64)
				_ = f.SetCellValue(sheet, cell, n)
				continue
			}
			_ = f.SetCellValue(sheet, cell, v)
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 8)
	_ = f.SetColWidth(sheet, "B", "B", 28)
	_ = f.SetColWidth(sheet, "C", "D", 14)
	_ = f.SetColWidth(sheet, "E", "G", 16)
	_ = f.SetColWidth(sheet, "H", "H", 36)
	_ = f.SetColWidth(sheet, "I", "I", 18)

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"donations_%s.xlsx\"",
		time.Now().Format("20060102")))

	if err := f.Write(c.Writer); err != nil {
		_ = c.Error(err)
	}
}
