package export

import (
	"context"
	"log"
	"net/http"
	"time"

	alerts "spikealerts/internal/alerts/domain"
	reports "spikealerts/internal/reports/domain"
)

// ArchiveStore lists archived alerts for a window.
type ArchiveStore interface {
	Between(ctx context.Context, from, to time.Time) ([]alerts.ArchivedAlert, error)
}

// ReportStore lists reports for a window.
type ReportStore interface {
	Between(ctx context.Context, from, to time.Time) ([]reports.Report, error)
}

// Handler serves the admin export endpoints.
type Handler struct {
	archive ArchiveStore
	reports ReportStore
	log     *log.Logger
}

// NewHandler constructs a handler.
func NewHandler(archive ArchiveStore, reportStore ReportStore, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{archive: archive, reports: reportStore, log: logger}
}

// Register mounts the export routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/export/alerts.csv", h.alertsCSV)
	mux.HandleFunc("/admin/export/alerts.xlsx", h.alertsXLSX)
	mux.HandleFunc("/admin/export/alerts.pdf", h.alertsPDF)
	mux.HandleFunc("/admin/export/reports.csv", h.reportsCSV)
}

// window parses the from/to query params, defaulting to the last 30 days.
func window(r *http.Request) (time.Time, time.Time, bool) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return from, to, false
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return from, to, false
		}
		to = parsed.AddDate(0, 0, 1)
	}
	return from, to, true
}

func (h *Handler) loadAlerts(w http.ResponseWriter, r *http.Request) ([]alerts.ArchivedAlert, time.Time, time.Time, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, time.Time{}, time.Time{}, false
	}
	from, to, ok := window(r)
	if !ok {
		http.Error(w, "bad window", http.StatusBadRequest)
		return nil, time.Time{}, time.Time{}, false
	}
	archived, err := h.archive.Between(r.Context(), from, to)
	if err != nil {
		h.log.Printf("export: load alerts: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, time.Time{}, time.Time{}, false
	}
	return archived, from, to, true
}

func (h *Handler) alertsCSV(w http.ResponseWriter, r *http.Request) {
	archived, _, _, ok := h.loadAlerts(w, r)
	if !ok {
		return
	}
	payload, err := BuildAlertsCSV(archived)
	if err != nil {
		h.log.Printf("export: build alerts csv: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="alerts.csv"`)
	_, _ = w.Write(payload)
}

func (h *Handler) alertsXLSX(w http.ResponseWriter, r *http.Request) {
	archived, _, _, ok := h.loadAlerts(w, r)
	if !ok {
		return
	}
	payload, err := BuildAlertsXLSX(archived)
	if err != nil {
		h.log.Printf("export: build alerts xlsx: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="alerts.xlsx"`)
	_, _ = w.Write(payload)
}

func (h *Handler) alertsPDF(w http.ResponseWriter, r *http.Request) {
	archived, from, to, ok := h.loadAlerts(w, r)
	if !ok {
		return
	}
	payload, err := BuildAlertsPDF(archived, from, to)
	if err != nil {
		h.log.Printf("export: build alerts pdf: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="alerts.pdf"`)
	_, _ = w.Write(payload)
}

func (h *Handler) reportsCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	from, to, ok := window(r)
	if !ok {
		http.Error(w, "bad window", http.StatusBadRequest)
		return
	}
	list, err := h.reports.Between(r.Context(), from, to)
	if err != nil {
		h.log.Printf("export: load reports: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	payload, err := BuildReportsCSV(list)
	if err != nil {
		h.log.Printf("export: build reports csv: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="reports.csv"`)
	_, _ = w.Write(payload)
}
