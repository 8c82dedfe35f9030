package hipaa

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ehr/edtrack/pkg/pagination"
	"github.com/labstack/echo/v4"
)

// AuditFilter narrows an audit search. Zero fields match everything.
type AuditFilter struct {
	UserID     string
	PatientID  string
	ActionType ActionType
	StartTime  *time.Time
	EndTime    *time.Time
}

// AuditSearchResult is one page of matching entries, newest first.
type AuditSearchResult struct {
	Entries []AuditEntry `json:"entries"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

func (f AuditFilter) match(e AuditEntry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.PatientID != "" && e.PatientID != f.PatientID {
		return false
	}
	if f.ActionType != "" && e.ActionType != f.ActionType {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Search returns the page of entries matching f, newest first.
func (l *AuditLogger) Search(f AuditFilter, page pagination.Params) AuditSearchResult {
	l.mu.Lock()
	matched := l.newestFirstLocked(f.match)
	l.mu.Unlock()

	return AuditSearchResult{
		Entries: pagination.Slice(matched, page),
		Total:   len(matched),
		Limit:   page.Limit,
		Offset:  page.Offset,
	}
}

// ExportFormat selects the Export encoding.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)

// Export writes every entry matching f, newest first, to w.
func (l *AuditLogger) Export(_ context.Context, f AuditFilter, format ExportFormat, w io.Writer) error {
	l.mu.Lock()
	matched := l.newestFirstLocked(f.match)
	l.mu.Unlock()

	switch format {
	case ExportJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(matched); err != nil {
			return fmt.Errorf("audit export json: %w", err)
		}
		return nil
	case ExportCSV:
		return writeCSV(w, matched)
	default:
		return fmt.Errorf("audit export: unsupported format %q", format)
	}
}

func writeCSV(w io.Writer, entries []AuditEntry) error {
	cw := csv.NewWriter(w)

	header := []string{"Timestamp", "UserID", "UserName", "UserRole", "ActionType",
		"PatientID", "PatientName", "ProviderID", "ProviderName", "Action", "TargetID", "TargetType", "Location"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("audit export csv: write header: %w", err)
	}

	for _, e := range entries {
		record := []string{
			e.Timestamp.Format(time.RFC3339Nano),
			e.UserID,
			e.UserName,
			e.UserRole,
			string(e.ActionType),
			e.PatientID,
			e.PatientName,
			e.ProviderID,
			e.ProviderName,
			e.Details.Action,
			e.Details.TargetID,
			e.Details.TargetType,
			e.Details.Location,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("audit export csv: write record: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// ---------- HTTP Handler ----------

// AuditSearchHandler serves audit trail search and export.
type AuditSearchHandler struct {
	logger *AuditLogger
}

func NewAuditSearchHandler(logger *AuditLogger) *AuditSearchHandler {
	return &AuditSearchHandler{logger: logger}
}

// RegisterRoutes registers the audit read routes on g behind mw.
func (h *AuditSearchHandler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.GET("/audit", h.HandleSearch, mw...)
	g.GET("/audit/export", h.HandleExport, mw...)
}

// FilterFromContext reads an AuditFilter from query parameters.
func FilterFromContext(c echo.Context) (AuditFilter, error) {
	f := AuditFilter{
		UserID:     c.QueryParam("user_id"),
		PatientID:  c.QueryParam("patient_id"),
		ActionType: ActionType(c.QueryParam("action_type")),
	}
	if f.ActionType != "" && !f.ActionType.Valid() {
		return f, fmt.Errorf("unknown action_type %q", f.ActionType)
	}
	if v := c.QueryParam("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid start_time: %w", err)
		}
		f.StartTime = &t
	}
	if v := c.QueryParam("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid end_time: %w", err)
		}
		f.EndTime = &t
	}
	return f, nil
}

// HandleSearch handles GET /audit.
func (h *AuditSearchHandler) HandleSearch(c echo.Context) error {
	f, err := FilterFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, h.logger.Search(f, pagination.FromContext(c)))
}

// HandleExport handles GET /audit/export?format=json|csv.
func (h *AuditSearchHandler) HandleExport(c echo.Context) error {
	f, err := FilterFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	format := ExportFormat(c.QueryParam("format"))
	if format == "" {
		format = ExportJSON
	}
	contentType := "application/json"
	switch format {
	case ExportJSON:
	case ExportCSV:
		contentType = "text/csv"
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "format must be json or csv")
	}

	c.Response().Header().Set("Content-Type", contentType)
	c.Response().Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"audit_export_%s.%s\"", time.Now().UTC().Format("20060102_150405"), format))
	c.Response().WriteHeader(http.StatusOK)

	return h.logger.Export(c.Request().Context(), f, format, c.Response())
}
