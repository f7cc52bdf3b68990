package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"aquaguardian/anchor"
	"aquaguardian/area"
	"aquaguardian/database"
	"aquaguardian/ingest"
	"aquaguardian/ledger"
	"aquaguardian/models"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	verifyTimeout   = 5 * time.Second
	healthTimeout   = 3 * time.Second

	// room for the form fields and part headers around the image
	multipartOverhead = 1 << 20
)

// Submitter runs the synchronous submission path
type Submitter interface {
	Submit(ctx context.Context, s ingest.Submission) (*models.Report, error)
}

// ReportStore is the read and operator side of the report store
type ReportStore interface {
	Ping(ctx context.Context) error
	GetReport(ctx context.Context, id string) (*models.Report, error)
	ListReports(ctx context.Context, f models.ReportFilter) ([]models.Report, error)
	GetStatusHistory(ctx context.Context, id string) ([]models.StatusChange, error)
	VerifyReport(ctx context.Context, id, actor string) error
	GetAnchor(ctx context.Context, reportID string) (*models.LedgerAnchor, error)
	ListAnchorFailed(ctx context.Context, limit int) ([]models.AnchorJob, error)
	RequeueAnchorJob(ctx context.Context, reportID string) error
	CountAnchorJobs(ctx context.Context) (map[string]int, error)
}

// AnchorScheduler is the operator surface of the anchoring scheduler
type AnchorScheduler interface {
	Enqueue(reportID string)
	Sweep(ctx context.Context) (anchor.SweepResult, error)
}

// Handlers holds all HTTP handlers
type Handlers struct {
	submitter     Submitter
	store         ReportStore
	ledger        ledger.Ledger
	anchors       AnchorScheduler
	maxImageBytes int64
}

// NewHandlers creates a new handlers instance
func NewHandlers(submitter Submitter, store ReportStore, l ledger.Ledger, anchors AnchorScheduler, maxImageBytes int64) *Handlers {
	return &Handlers{
		submitter:     submitter,
		store:         store,
		ledger:        l,
		anchors:       anchors,
		maxImageBytes: maxImageBytes,
	}
}

// SubmitReport accepts a multipart report submission
func (h *Handlers) SubmitReport(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxImageBytes+multipartOverhead)
	s, err := h.parseSubmission(c)
	if err != nil {
		respondError(c, err)
		return
	}

	report, err := h.submitter.Submit(c.Request.Context(), s)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handlers) parseSubmission(c *gin.Context) (ingest.Submission, error) {
	var s ingest.Submission
	if err := c.Request.ParseMultipartForm(h.maxImageBytes + multipartOverhead); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return s, err
		}
		return s, &ingest.ValidationError{Field: "body", Message: err.Error()}
	}

	s = ingest.Submission{
		SubmitterID: c.PostForm("user_id"),
		Description: c.PostForm("description"),
	}

	var err error
	if s.Latitude, err = parseFloatField(c, "latitude"); err != nil {
		return s, err
	}
	if s.Longitude, err = parseFloatField(c, "longitude"); err != nil {
		return s, err
	}
	severity := strings.TrimSpace(c.PostForm("severity"))
	if s.Severity, err = strconv.Atoi(severity); err != nil {
		return s, &ingest.ValidationError{Field: "severity", Message: fmt.Sprintf("%q is not an integer", severity)}
	}

	fh, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return s, nil
	}
	if err != nil {
		return s, &ingest.ValidationError{Field: "file", Message: err.Error()}
	}
	f, err := fh.Open()
	if err != nil {
		return s, &ingest.ValidationError{Field: "file", Message: err.Error()}
	}
	defer f.Close()

	// One byte over the limit is enough for validation to reject it.
	s.Image, err = io.ReadAll(io.LimitReader(f, h.maxImageBytes+1))
	if err != nil {
		return s, &ingest.ValidationError{Field: "file", Message: err.Error()}
	}
	return s, nil
}

func parseFloatField(c *gin.Context, field string) (float64, error) {
	raw := strings.TrimSpace(c.PostForm(field))
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &ingest.ValidationError{Field: field, Message: fmt.Sprintf("%q is not a number", raw)}
	}
	return v, nil
}

// GetReport returns a report with its anchor, if any
func (h *Handlers) GetReport(c *gin.Context) {
	id := c.Param("id")
	report, err := h.store.GetReport(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := models.ReportWithAnchor{Report: *report}
	a, err := h.store.GetAnchor(c.Request.Context(), id)
	switch {
	case err == nil:
		resp.Anchor = a
	case !errors.Is(err, database.ErrAnchorNotFound):
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListReports returns reports matching the query filters
func (h *Handlers) ListReports(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reports, err := h.store.ListReports(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.ReportsResponse{
		Reports: reports,
		Count:   len(reports),
		Limit:   f.Limit,
		Offset:  f.Offset,
	})
}

func parseFilter(c *gin.Context) (models.ReportFilter, error) {
	f := models.ReportFilter{Limit: defaultPageSize}

	if status := c.Query("status"); status != "" {
		switch models.ReportStatus(status) {
		case models.StatusPending, models.StatusVerified:
			f.Status = models.ReportStatus(status)
		default:
			return f, fmt.Errorf("unknown status %q", status)
		}
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("%s must be an RFC3339 timestamp", p.name)
		}
		t = t.UTC()
		*p.dst = &t
	}

	lat, lon, radius := c.Query("lat"), c.Query("lon"), c.Query("radius_km")
	if lat != "" || lon != "" || radius != "" {
		la, err1 := strconv.ParseFloat(lat, 64)
		lo, err2 := strconv.ParseFloat(lon, 64)
		r, err3 := strconv.ParseFloat(radius, 64)
		if err1 != nil || err2 != nil || err3 != nil || !(r > 0) || math.IsInf(r, 0) {
			return f, fmt.Errorf("lat, lon and a positive radius_km are required together")
		}
		if !area.ValidCoordinates(la, lo) {
			return f, fmt.Errorf("lat must be within [-90, 90] and lon within [-180, 180]")
		}
		f.Latitude, f.Longitude, f.RadiusKm = &la, &lo, r
	}

	if raw := c.Query("anchor_failed"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fmt.Errorf("anchor_failed must be a boolean")
		}
		f.AnchorFailed = &b
	}

	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			return f, fmt.Errorf("limit must be between 1 and %d", maxPageSize)
		}
		f.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}

// GetAnchor returns the ledger anchor of a report and checks it on the ledger
func (h *Handlers) GetAnchor(c *gin.Context) {
	id := c.Param("id")
	report, err := h.store.GetReport(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	a, err := h.store.GetAnchor(c.Request.Context(), id)
	if errors.Is(err, database.ErrAnchorNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":         "report is not anchored yet",
			"anchor_failed": report.AnchorFailed,
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	resp := models.AnchorStatus{LedgerAnchor: *a}
	ctx, cancel := context.WithTimeout(c.Request.Context(), verifyTimeout)
	defer cancel()
	resp.VerifiedOnLedger, err = h.ledger.Verify(ctx, a.LedgerRef)
	if err != nil {
		log.WithField("report_id", id).Warnf("Ledger verification failed: %v", err)
		resp.VerifyError = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// GetHistory returns the status history of a report
func (h *Handlers) GetHistory(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.GetReport(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	history, err := h.store.GetStatusHistory(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report_id": id, "history": history})
}

// VerifyReport records the authority verification of a pending report
func (h *Handlers) VerifyReport(c *gin.Context) {
	id := c.Param("id")
	actor := c.GetString("admin_actor")
	if err := h.store.VerifyReport(c.Request.Context(), id, actor); err != nil {
		respondError(c, err)
		return
	}
	report, err := h.store.GetReport(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListAnchorFailed lists jobs that exhausted their retries
func (h *Handlers) ListAnchorFailed(c *gin.Context) {
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("limit must be between 1 and %d", maxPageSize)})
			return
		}
		limit = n
	}
	jobs, err := h.store.ListAnchorFailed(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// RequeueAnchor puts a report back on the anchoring queue
func (h *Handlers) RequeueAnchor(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.RequeueAnchorJob(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	h.anchors.Enqueue(id)
	log.WithFields(log.Fields{"report_id": id, "actor": c.GetString("admin_actor")}).Info("Anchor job requeued")
	c.JSON(http.StatusAccepted, gin.H{"report_id": id, "status": models.AnchorJobQueued})
}

// Sweep runs one reconciliation pass of the anchoring scheduler
func (h *Handlers) Sweep(c *gin.Context) {
	res, err := h.anchors.Sweep(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HealthCheck reports database reachability and anchoring backlog
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	resp := models.HealthResponse{
		Status:    "healthy",
		Service:   "report-service",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Database:  "connected",
	}
	if err := h.store.Ping(ctx); err != nil {
		log.Warnf("Health check: database ping failed: %v", err)
		resp.Status = "unhealthy"
		resp.Database = "disconnected"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	counts, err := h.store.CountAnchorJobs(ctx)
	if err != nil {
		log.Warnf("Health check: failed to count anchor jobs: %v", err)
	} else {
		resp.AnchorJobs = counts
	}
	c.JSON(http.StatusOK, resp)
}

// respondError maps domain errors to HTTP status codes
func respondError(c *gin.Context, err error) {
	var ve *ingest.ValidationError
	var pe *ingest.PersistenceError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)})
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "field": ve.Field})
	case errors.As(err, &pe):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store report"})
	case errors.Is(err, database.ErrReportNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
	case errors.Is(err, database.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, database.ErrAnchorExists):
		c.JSON(http.StatusConflict, gin.H{"error": "report is already anchored"})
	default:
		log.Errorf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
