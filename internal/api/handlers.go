package api

import (
	"FinDocAnalyzer/internal/coordinator"
	"FinDocAnalyzer/internal/maintenance"
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/internal/service"
	"FinDocAnalyzer/pkg/logger"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Submitter is the intake path used by the submission routes.
type Submitter interface {
	SubmitUpload(ctx context.Context, query string, up service.Upload) (*service.Submission, error)
	SubmitDefault(ctx context.Context, query string) (*service.Submission, error)
}

// Views are the read-only job views.
type Views interface {
	GetStatus(ctx context.Context, id string) (coordinator.StatusView, error)
	GetResult(ctx context.Context, id string) (coordinator.ResultView, error)
	List(ctx context.Context, q coordinator.ListQuery) (coordinator.ListView, error)
}

// Reconciler re-drives stuck jobs on demand.
type Reconciler interface {
	Reconcile(ctx context.Context) (maintenance.ReconcileReport, error)
}

// Pinger is a dependency probed by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// API provides handlers for the analysis service.
type API struct {
	submitter  Submitter
	views      Views
	reconciler Reconciler
	health     map[string]Pinger
	maxUpload  int64
	logger     *logger.Logger
}

type Options struct {
	Reconciler  Reconciler
	Health      map[string]Pinger // 例如 {"database": store, "queue": broker}
	MaxUploadMB int64
}

// NewAPI creates a new API handler.
func NewAPI(submitter Submitter, views Views, opts Options, logger *logger.Logger) *API {
	maxMB := opts.MaxUploadMB
	if maxMB <= 0 {
		maxMB = 20
	}
	return &API{
		submitter:  submitter,
		views:      views,
		reconciler: opts.Reconciler,
		health:     opts.Health,
		maxUpload:  maxMB << 20,
		logger:     logger,
	}
}

// RootHandler answers GET /.
func (a *API) RootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Financial Document Analyzer API is running"})
}

// AnalyzeHandler accepts a multipart upload (file, query) and queues its analysis.
func (a *API) AnalyzeHandler(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.maxUpload)
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A document file is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		a.logger.WithError(models.NewErrorInfo(err, "validation_error")).Warn("Failed to open uploaded file")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read uploaded file"})
		return
	}
	defer f.Close()

	sub, err := a.submitter.SubmitUpload(c.Request.Context(), c.PostForm("query"), service.Upload{FileName: fh.Filename, Content: f})
	if err != nil {
		a.writeSubmitError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// AnalyzeDefaultHandler queues an analysis of the sample document.
func (a *API) AnalyzeDefaultHandler(c *gin.Context) {
	sub, err := a.submitter.SubmitDefault(c.Request.Context(), c.PostForm("query"))
	if err != nil {
		a.writeSubmitError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (a *API) writeSubmitError(c *gin.Context, err error) {
	var enqErr *service.EnqueueError
	switch {
	case errors.As(err, &enqErr):
		// 记录已创建，由 reconciler 继续处理
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Analysis task could not be queued", "analysis_id": enqErr.JobID})
	case errors.Is(err, service.ErrInvalidUpload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		a.writeError(c, err, "Error processing financial document")
	}
}

// GetStatusHandler returns the job status and its latest task handle.
func (a *API) GetStatusHandler(c *gin.Context) {
	v, err := a.views.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err, "Failed to retrieve analysis status")
		return
	}
	c.JSON(http.StatusOK, v)
}

// GetResultHandler returns the analysis of a completed job.
func (a *API) GetResultHandler(c *gin.Context) {
	v, err := a.views.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err, "Failed to retrieve analysis result")
		return
	}
	c.JSON(http.StatusOK, v)
}

// ListHandler pages jobs: ?status=&limit=&offset=.
func (a *API) ListHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(coordinator.DefaultLimit)))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	v, err := a.views.List(c.Request.Context(), coordinator.ListQuery{Status: c.Query("status"), Limit: limit, Offset: offset})
	if err != nil {
		a.writeError(c, err, "Failed to list analyses")
		return
	}
	c.JSON(http.StatusOK, v)
}

// HealthHandler probes every dependency and answers 503 unless all are reachable.
func (a *API) HealthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(gin.H, len(a.health))
	for name, p := range a.health {
		if err := p.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = "unhealthy: " + err.Error()
			continue
		}
		checks[name] = "healthy"
	}
	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{"status": overall, "checks": checks, "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

// SimpleHealthHandler only reports that the process serves requests.
func (a *API) SimpleHealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

// ReconcileHandler runs the stuck-job reconciler synchronously.
func (a *API) ReconcileHandler(c *gin.Context) {
	if a.reconciler == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Reconciler is not configured"})
		return
	}
	report, err := a.reconciler.Reconcile(c.Request.Context())
	if err != nil {
		a.writeError(c, err, "Reconcile interrupted")
		return
	}
	c.JSON(http.StatusOK, report)
}

// writeError maps the error taxonomy to a status code and {"error": ...}.
func (a *API) writeError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotReady), errors.Is(err, coordinator.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		a.logger.WithError(models.NewErrorInfo(err, "internal_error")).
			WithPayload(map[string]interface{}{"path": c.FullPath()}).Error(msg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg + ": " + err.Error()})
	}
}
