package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/services/donation/internal/compliance"
	"example.com/campaign-payments/services/donation/internal/domain"
	"example.com/campaign-payments/services/donation/internal/middleware"
)

const dateLayout = "2006-01-02"

// ReportHandler — отчёты соответствия.
type ReportHandler struct {
	generator ReportGenerator
	donations compliance.DonationLister
	archiver  ReportArchiver // nil — архив не настроен
}

// NewReportHandler создаёт обработчик отчётов. archiver может быть nil.
func NewReportHandler(generator ReportGenerator, donations compliance.DonationLister, archiver ReportArchiver) *ReportHandler {
	return &ReportHandler{generator: generator, donations: donations, archiver: archiver}
}

// GenerateReport строит отчёт за период.
// GET /api/v1/reports/:org_id?from=YYYY-MM-DD&to=YYYY-MM-DD&format=json|csv&archive=true
//
// Дата to включительна: период отчёта — [from, to+1d).
func (h *ReportHandler) GenerateReport(c *gin.Context) {
	ctx := c.Request.Context()
	orgID := c.Param("org_id")

	if claims, ok := middleware.Claims(c); ok && !claims.CanAccessOrganization(orgID) {
		c.JSON(http.StatusForbidden, ErrorResponse{Success: false, Error: "нет доступа к организации", Code: domain.CodeForbidden})
		return
	}

	period, err := parsePeriod(c.Query("from"), c.Query("to"))
	if err != nil {
		writeError(c, err, "GenerateReport")
		return
	}

	format := c.DefaultQuery("format", "json")
	if format != "json" && format != "csv" {
		badRequest(c, "format должен быть json или csv")
		return
	}

	report, err := h.generator.GenerateReport(ctx, h.donations, orgID, period)
	if err != nil {
		writeError(c, err, "GenerateReport")
		return
	}

	var archiveKey string
	if c.Query("archive") == "true" {
		if h.archiver == nil {
			badRequest(c, "архив отчётов не настроен")
			return
		}
		archiveKey, err = h.archiver.Archive(ctx, report)
		if err != nil {
			writeError(c, err, "ArchiveReport")
			return
		}
	}

	logger.Ctx(ctx).Info().
		Str("organization_id", orgID).
		Time("from", period.From).
		Time("to", period.To).
		Int("itemized", len(report.Itemized)).
		Str("archive_key", archiveKey).
		Msg("Отчёт соответствия сформирован")

	if format == "csv" {
		data, err := report.CSV()
		if err != nil {
			writeError(c, err, "GenerateReport")
			return
		}
		filename := fmt.Sprintf("%s_%s_%s.csv", orgID, period.From.Format("20060102"), period.To.Format("20060102"))
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		if archiveKey != "" {
			c.Header("X-Report-Archive-Key", archiveKey)
		}
		c.Data(http.StatusOK, "text/csv; charset=utf-8", data)
		return
	}

	resp := gin.H{"success": true, "report": report}
	if archiveKey != "" {
		resp["archive_key"] = archiveKey
	}
	c.JSON(http.StatusOK, resp)
}

// parsePeriod разбирает даты периода (UTC).
func parsePeriod(fromStr, toStr string) (domain.Period, error) {
	var fields []domain.FieldError

	from, err := time.Parse(dateLayout, fromStr)
	if err != nil {
		fields = append(fields, domain.FieldError{Field: "from", Code: "invalid", Message: "ожидается дата YYYY-MM-DD"})
	}
	to, err := time.Parse(dateLayout, toStr)
	if err != nil {
		fields = append(fields, domain.FieldError{Field: "to", Code: "invalid", Message: "ожидается дата YYYY-MM-DD"})
	}
	if len(fields) > 0 {
		return domain.Period{}, domain.NewValidationError(fields...)
	}

	return domain.Period{From: from, To: to.AddDate(0, 0, 1)}, nil
}
