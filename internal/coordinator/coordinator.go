// Package coordinator serves the client-visible, read-only views of jobs.
package coordinator

import (
	"FinDocAnalyzer/internal/jobstore"
	"FinDocAnalyzer/internal/models"
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// ErrInvalidQuery is returned for an unknown status filter.
var ErrInvalidQuery = errors.New("invalid list query")

// Reader is the part of jobstore.Store the coordinator needs.
type Reader interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, f jobstore.Filter, limit, offset int) (jobstore.Page, error)
	TaskHandlesForJob(ctx context.Context, jobID string) ([]models.TaskHandle, error)
}

type TaskView struct {
	TaskID       string                  `json:"task_id"`
	Status       models.TaskHandleStatus `json:"status"`
	Queue        string                  `json:"queue,omitempty"`
	RetryCount   int                     `json:"retry_count"`
	MaxRetries   int                     `json:"max_retries"`
	ErrorMessage *string                 `json:"error_message,omitempty"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
}

type StatusView struct {
	AnalysisID     string            `json:"analysis_id"`
	Status         models.JobStatus  `json:"status"`
	Query          string            `json:"query"`
	FileName       string            `json:"file_name"`
	FileSource     models.FileSource `json:"file_source"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	ProcessingTime *float64          `json:"processing_time,omitempty"`
	ErrorMessage   *string           `json:"error_message,omitempty"`
	OutputFilePath string            `json:"output_file_path,omitempty"`
	Task           *TaskView         `json:"task,omitempty"`
}

// ResultView is the status view plus the analysis text and metadata.
type ResultView struct {
	StatusView
	AnalysisResult string                 `json:"analysis_result"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// ListQuery filters and pages List. An empty Status matches every job.
type ListQuery struct {
	Status string
	Limit  int
	Offset int
}

type ListView struct {
	Analyses   []StatusView `json:"analyses"`
	TotalCount int64        `json:"total_count"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
}

type Coordinator struct {
	store Reader
}

func New(store Reader) *Coordinator {
	return &Coordinator{store: store}
}

// GetStatus returns the job and its latest task handle.
func (c *Coordinator) GetStatus(ctx context.Context, id string) (StatusView, error) {
	job, err := c.store.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	v := statusOf(job)
	if v.Task, err = c.latestTask(ctx, id); err != nil {
		return StatusView{}, err
	}
	return v, nil
}

// GetResult returns the analysis of a completed job, and models.ErrNotReady for any other status.
func (c *Coordinator) GetResult(ctx context.Context, id string) (ResultView, error) {
	job, err := c.store.Get(ctx, id)
	if err != nil {
		return ResultView{}, err
	}
	if job.Status != models.JobStatusCompleted {
		return ResultView{}, fmt.Errorf("%w: status is %s", models.ErrNotReady, job.Status)
	}
	v := ResultView{StatusView: statusOf(job), Metadata: job.Metadata}
	if job.Result != nil {
		v.AnalysisResult = *job.Result
	}
	return v, nil
}

// List pages jobs newest first. Limit defaults to 10 and is capped at 100.
func (c *Coordinator) List(ctx context.Context, q ListQuery) (ListView, error) {
	limit, offset := clamp(q.Limit, q.Offset)
	var f jobstore.Filter
	if q.Status != "" {
		st := models.JobStatus(q.Status)
		if !st.Valid() {
			return ListView{}, fmt.Errorf("%w: unknown status %q", ErrInvalidQuery, q.Status)
		}
		f.Statuses = []models.JobStatus{st}
	}
	page, err := c.store.List(ctx, f, limit, offset)
	if err != nil {
		return ListView{}, err
	}
	view := ListView{Analyses: make([]StatusView, 0, len(page.Jobs)), TotalCount: page.Total, Limit: limit, Offset: offset}
	for i := range page.Jobs {
		v := statusOf(&page.Jobs[i])
		if v.Task, err = c.latestTask(ctx, v.AnalysisID); err != nil {
			return ListView{}, err
		}
		view.Analyses = append(view.Analyses, v)
	}
	return view, nil
}

func clamp(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (c *Coordinator) latestTask(ctx context.Context, jobID string) (*TaskView, error) {
	hs, err := c.store.TaskHandlesForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(hs) == 0 {
		return nil, nil
	}
	h := hs[len(hs)-1]
	return &TaskView{
		TaskID:       h.TaskID,
		Status:       h.Status,
		Queue:        h.Queue,
		RetryCount:   h.RetryCount,
		MaxRetries:   h.MaxRetries,
		ErrorMessage: h.ErrorMessage,
		StartedAt:    h.StartedAt,
		CompletedAt:  h.CompletedAt,
	}, nil
}

func statusOf(j *models.Job) StatusView {
	return StatusView{
		AnalysisID:     j.ID,
		Status:         j.Status,
		Query:          j.Query,
		FileName:       j.FileName,
		FileSource:     j.FileSource,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		CompletedAt:    j.CompletedAt,
		ProcessingTime: j.ProcessingTime,
		ErrorMessage:   j.Error,
		OutputFilePath: j.OutputFilePath,
	}
}
