// Package service implements the submission path: persist the input, create the job, enqueue it.
package service

import (
	"FinDocAnalyzer/internal/extract"
	"FinDocAnalyzer/internal/jobstore"
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/pkg/logger"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidUpload is returned for an upload without a name or content.
	ErrInvalidUpload = errors.New("invalid upload")
	// ErrDefaultFileMissing is returned by SubmitDefault when the sample document is absent.
	ErrDefaultFileMissing = fmt.Errorf("%w: default sample file", models.ErrNotFound)
)

// EnqueueError means the job was created but its task could not be published.
// The job stays pending and is picked up by the reconciler.
type EnqueueError struct {
	JobID string
	Err   error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("analysis %s created but not queued: %v", e.JobID, e.Err)
}

func (e *EnqueueError) Unwrap() error { return e.Err }

// Enqueuer publishes the analysis task of a job.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) (string, error)
}

// Upload is one received document.
type Upload struct {
	FileName string
	Content  io.Reader
}

// Submission is returned to the client once the task is queued.
type Submission struct {
	Status        string            `json:"status"`
	AnalysisID    string            `json:"analysis_id"`
	TaskID        string            `json:"task_id"`
	Query         string            `json:"query"`
	FileProcessed string            `json:"file_processed"`
	FileSource    models.FileSource `json:"file_source"`
}

type Config struct {
	DataDir     string
	DefaultFile string
}

// AnalysisService 负责接收分析请求。
type AnalysisService struct {
	store    jobstore.Store
	enqueuer Enqueuer
	cfg      Config
	log      *logger.Logger
}

func New(store jobstore.Store, enqueuer Enqueuer, cfg Config, log *logger.Logger) *AnalysisService {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.DefaultFile == "" {
		cfg.DefaultFile = filepath.Join(cfg.DataDir, "sample.pdf")
	}
	return &AnalysisService{store: store, enqueuer: enqueuer, cfg: cfg, log: log}
}

// NormalizeQuery trims q and falls back to models.DefaultQuery.
func NormalizeQuery(q string) string {
	q = strings.TrimSpace(q)
	if q == "" {
		return models.DefaultQuery
	}
	return q
}

// SubmitUpload stores the upload under the data directory and queues its analysis.
func (s *AnalysisService) SubmitUpload(ctx context.Context, query string, up Upload) (*Submission, error) {
	if strings.TrimSpace(up.FileName) == "" || up.Content == nil {
		return nil, fmt.Errorf("%w: file is required", ErrInvalidUpload)
	}
	path, err := s.save(up)
	if err != nil {
		return nil, err
	}
	sub, err := s.submit(ctx, query, path, filepath.Base(up.FileName), models.FileSourceUploaded)
	if err != nil && !isEnqueueError(err) {
		// 记录未创建，上传文件无人引用
		_ = os.Remove(path)
	}
	return sub, err
}

// SubmitDefault queues an analysis of the configured sample document.
func (s *AnalysisService) SubmitDefault(ctx context.Context, query string) (*Submission, error) {
	if _, err := os.Stat(s.cfg.DefaultFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrDefaultFileMissing, s.cfg.DefaultFile)
		}
		return nil, fmt.Errorf("无法访问默认文件 %s: %w", s.cfg.DefaultFile, err)
	}
	return s.submit(ctx, query, s.cfg.DefaultFile, filepath.Base(s.cfg.DefaultFile), models.FileSourceDefault)
}

func (s *AnalysisService) submit(ctx context.Context, query, path, displayName string, source models.FileSource) (*Submission, error) {
	query = NormalizeQuery(query)
	in := models.NewJob{
		FileName:   displayName,
		FilePath:   path,
		Query:      query,
		FileSource: source,
	}
	if info, err := extract.Stat(path); err == nil {
		size := info.Size
		in.FileSize = &size
		in.FileType = info.Type
		if info.Mime != "" {
			in.Metadata = map[string]interface{}{"mime_type": info.Mime}
		}
	} else {
		s.log.WithError(models.NewErrorInfo(err, "file_error")).WithPayload(map[string]interface{}{"file_path": path}).Warn("Failed to read file info")
	}

	job, err := s.store.Create(ctx, in)
	if err != nil {
		s.log.WithError(models.NewErrorInfo(err, "database_error")).Error("Failed to create analysis record")
		return nil, err
	}
	log := s.log.WithJob(job.ID)

	taskID, err := s.enqueuer.Enqueue(ctx, job)
	if err != nil {
		log.WithError(models.NewErrorInfo(err, "queue_error")).Error("Failed to enqueue analysis task")
		return nil, &EnqueueError{JobID: job.ID, Err: err}
	}

	log.WithPayload(map[string]interface{}{
		"task_id":     taskID,
		"file_source": source,
		"file_name":   displayName,
	}).Info("Analysis submitted")
	return &Submission{
		Status:        "queued",
		AnalysisID:    job.ID,
		TaskID:        taskID,
		Query:         query,
		FileProcessed: displayName,
		FileSource:    source,
	}, nil
}

// save writes the upload to data/financial_document_<uuid><ext>. The name is never reused.
func (s *AnalysisService) save(up Upload) (string, error) {
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("无法创建数据目录 %s: %w", s.cfg.DataDir, err)
	}
	ext := strings.ToLower(filepath.Ext(up.FileName))
	if ext == "" {
		ext = ".pdf"
	}
	path := filepath.Join(s.cfg.DataDir, fmt.Sprintf("financial_document_%s%s", uuid.NewString(), ext))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("无法保存上传文件: %w", err)
	}
	n, err := io.Copy(f, up.Content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("%w: file is empty", ErrInvalidUpload)
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, ErrInvalidUpload) {
			return "", err
		}
		return "", fmt.Errorf("无法保存上传文件: %w", err)
	}
	return path, nil
}

func isEnqueueError(err error) bool {
	var e *EnqueueError
	return errors.As(err, &e)
}
