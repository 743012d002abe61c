package api

import (
	"FinDocAnalyzer/internal/coordinator"
	"FinDocAnalyzer/internal/jobstore"
	"FinDocAnalyzer/internal/jobstore/storetest"
	"FinDocAnalyzer/internal/maintenance"
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/internal/queue"
	"FinDocAnalyzer/internal/scheduler"
	"FinDocAnalyzer/internal/service"
	"FinDocAnalyzer/pkg/logger"
	"FinDocAnalyzer/pkg/ratelimiter"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixedReconciler struct{ report maintenance.ReconcileReport }

func (r fixedReconciler) Reconcile(context.Context) (maintenance.ReconcileReport, error) {
	return r.report, nil
}

type server struct {
	router *gin.Engine
	store  *jobstore.GormStore
	broker *queue.MemoryBroker
}

func newServer(t *testing.T, limiter *ratelimiter.Keyed, health map[string]Pinger) *server {
	t.Helper()
	store := storetest.New(t, nil)
	broker := queue.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.pdf"), []byte("%PDF-1.4 sample"), 0o644))
	sched := scheduler.New(broker, store, queue.DefaultRoutes, queue.DefaultRetryPolicy, logger.Nop())
	svc := service.New(store, sched, service.Config{DataDir: dir, DefaultFile: filepath.Join(dir, "sample.pdf")}, logger.Nop())

	router := gin.New()
	a := NewAPI(svc, coordinator.New(store), Options{
		Reconciler: fixedReconciler{report: maintenance.ReconcileReport{Examined: 2, Completed: 1, Skipped: 1}},
		Health:     health,
	}, logger.Nop())
	RegisterRoutes(router, a, limiter)
	return &server{router: router, store: store, broker: broker}
}

func (s *server) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func uploadRequest(t *testing.T, name, content, query string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("query", query))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/analyze", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func formRequest(path, query string) *http.Request {
	form := url.Values{"query": {query}}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestAnalyzeQueuesUpload(t *testing.T) {
	s := newServer(t, nil, nil)
	w, body := s.do(t, uploadRequest(t, "annual.txt", "Net income 42", "What about income?"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "What about income?", body["query"])
	assert.Equal(t, "annual.txt", body["file_processed"])
	assert.Equal(t, "uploaded", body["file_source"])
	assert.NotEmpty(t, body["task_id"])
	assert.Equal(t, 1, s.broker.Len("analysis"))

	id := body["analysis_id"].(string)
	w, body = s.do(t, httptest.NewRequest(http.MethodGet, "/status/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", body["status"])
	task := body["task"].(map[string]interface{})
	assert.Equal(t, "pending", task["status"])
	assert.EqualValues(t, 3, task["max_retries"])

	w, body = s.do(t, httptest.NewRequest(http.MethodGet, "/result/"+id, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "not ready")
}

func TestAnalyzeWithoutFile(t *testing.T) {
	s := newServer(t, nil, nil)
	w, body := s.do(t, formRequest("/analyze", "q"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, body["error"])
}

func TestAnalyzeDefaultUsesDefaultQuery(t *testing.T) {
	s := newServer(t, nil, nil)
	w, body := s.do(t, formRequest("/analyze-default", ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.DefaultQuery, body["query"])
	assert.Equal(t, "default", body["file_source"])
	assert.Equal(t, "sample.pdf", body["file_processed"])
}

func TestResultOfCompletedJob(t *testing.T) {
	s := newServer(t, nil, nil)
	ctx := context.Background()
	job := storetest.CreateJob(t, s.store, "a.pdf", "q")
	_, err := s.store.Claim(ctx, job.ID, "t", time.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = s.store.Finish(ctx, job.ID, models.Success{Text: "Strong cash flow.", Elapsed: time.Second}, "output/x.txt")
	require.NoError(t, err)

	w, body := s.do(t, httptest.NewRequest(http.MethodGet, "/result/"+job.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Strong cash flow.", body["analysis_result"])
	assert.Contains(t, body, "created_at")
	assert.Contains(t, body, "metadata")
	assert.Equal(t, "output/x.txt", body["output_file_path"])
}

func TestNotFoundAndListValidation(t *testing.T) {
	s := newServer(t, nil, nil)
	w, _ := s.do(t, httptest.NewRequest(http.MethodGet, "/status/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = s.do(t, httptest.NewRequest(http.MethodGet, "/result/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(t, httptest.NewRequest(http.MethodGet, "/analyses?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	storetest.CreateJob(t, s.store, "a.pdf", "q")
	storetest.CreateJob(t, s.store, "b.pdf", "q")
	w, body := s.do(t, httptest.NewRequest(http.MethodGet, "/tasks?limit=1&status=pending", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["total_count"])
	assert.Len(t, body["analyses"], 1)
	assert.EqualValues(t, 1, body["limit"])
}

func TestHealth(t *testing.T) {
	healthy := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	s := newServer(t, nil, map[string]Pinger{"database": healthy, "queue": healthy})
	w, body := s.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	s = newServer(t, nil, map[string]Pinger{"database": healthy, "queue": down})
	w, body = s.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "healthy", checks["database"])
	assert.Contains(t, checks["queue"], "connection refused")

	w, body = s.do(t, httptest.NewRequest(http.MethodGet, "/health/simple", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	w, body = s.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body["message"], "running")
}

func TestReconcileEndpoint(t *testing.T) {
	s := newServer(t, nil, nil)
	w, body := s.do(t, httptest.NewRequest(http.MethodPost, "/admin/reconcile", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["examined"])
	assert.EqualValues(t, 1, body["skipped"])
}

func TestSubmissionRateLimit(t *testing.T) {
	limiter := ratelimiter.NewKeyed(func() ratelimiter.RateLimiter {
		return ratelimiter.NewTokenBucket(0.001, 1)
	}, 0)
	s := newServer(t, limiter, nil)

	w, _ := s.do(t, formRequest("/analyze-default", "q"))
	assert.Equal(t, http.StatusOK, w.Code)
	w, body := s.do(t, formRequest("/analyze-default", "q"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "Too Many Requests", body["error"])

	// 读接口不限流
	w, _ = s.do(t, httptest.NewRequest(http.MethodGet, "/analyses", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
