// Package executor runs one analysis attempt for a job and commits its outcome.
package executor

import (
	"FinDocAnalyzer/internal/artifact"
	"FinDocAnalyzer/internal/extract"
	"FinDocAnalyzer/internal/jobstore"
	"FinDocAnalyzer/internal/llm"
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/pkg/circuitbreaker"
	"FinDocAnalyzer/pkg/logger"
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxDocumentChars bounds the document text sent to the analyzer.
const DefaultMaxDocumentChars = 50000

// TextExtractor turns a stored document into plain text.
type TextExtractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// Config 控制单次执行。
type Config struct {
	MaxDocumentChars int
	// Lease is how long a claim stays valid without renewal. Workers use the hard time limit.
	Lease time.Duration
}

// Claim identifies who runs an attempt. Token is the lease owner; TaskID, when set,
// names the task handle to keep in step.
type Claim struct {
	JobID  string
	Token  string
	TaskID string
}

type Executor struct {
	store     jobstore.Store
	extractor TextExtractor
	analyzer  llm.Analyzer
	writer    *artifact.Writer
	cfg       Config
	log       *logger.Logger
	now       func() time.Time
}

// Option 定制 Executor。
type Option func(*Executor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func New(store jobstore.Store, extractor TextExtractor, analyzer llm.Analyzer, writer *artifact.Writer, cfg Config, log *logger.Logger, opts ...Option) *Executor {
	if cfg.MaxDocumentChars <= 0 {
		cfg.MaxDocumentChars = DefaultMaxDocumentChars
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Minute
	}
	e := &Executor{
		store:     store,
		extractor: extractor,
		analyzer:  analyzer,
		writer:    writer,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attempt claims the job and runs a single analysis. A nil outcome with an error means
// no attempt ran: models.ErrTerminal, models.ErrClaimed and models.ErrNotFound say the
// work belongs to someone else or is already done; any other error is a store failure.
func (e *Executor) Attempt(ctx context.Context, c Claim) (models.Outcome, error) {
	start := e.now()
	log := e.log.WithJob(c.JobID)

	job, err := e.store.Claim(ctx, c.JobID, c.Token, start.Add(e.cfg.Lease))
	if err != nil {
		return nil, err
	}
	if c.TaskID != "" {
		running := models.TaskHandleRunning
		if _, err := e.store.UpdateTaskHandle(ctx, c.TaskID, models.HandlePatch{Status: &running, StartedAt: &start}); err != nil {
			e.warnHandle(log, c.TaskID, err)
		}
	}

	text, err := e.extractor.Extract(ctx, job.FilePath)
	if err != nil {
		return models.Failure{
			Reason:   fmt.Sprintf("Failed to read document %s: %v", job.FilePath, err),
			Kind:     models.ExecutionFailure,
			Elapsed:  e.now().Sub(start),
			Metadata: map[string]interface{}{"file_path": job.FilePath, "api_calls_made": 0},
		}, nil
	}

	bounded := extract.Truncate(text, e.cfg.MaxDocumentChars)
	truncated := len(bounded) < len(text)
	result, err := e.analyzer.Analyze(ctx, BuildPrompt(job.Query, bounded))
	elapsed := e.now().Sub(start)
	if err != nil {
		return classify(ctx, err, elapsed, job.FilePath), nil
	}

	log.WithPayload(map[string]interface{}{"analyzer": e.analyzer.Name(), "elapsed": elapsed.String()}).Info("Analysis attempt succeeded")
	return models.Success{
		Text:    result,
		Elapsed: elapsed,
		Metadata: map[string]interface{}{
			"analysis_type":  "single_call",
			"analyzer":       e.analyzer.Name(),
			"api_calls_made": 1,
			"document_chars": len([]rune(bounded)),
			"truncated":      truncated,
			"file_path":      job.FilePath,
		},
	}, nil
}

func classify(ctx context.Context, err error, elapsed time.Duration, path string) models.Failure {
	f := models.Failure{
		Reason:   fmt.Sprintf("Analysis failed: %v", err),
		Kind:     models.ExecutionFailure,
		Elapsed:  elapsed,
		Metadata: map[string]interface{}{"file_path": path, "api_calls_made": 1},
	}
	switch {
	case errors.Is(context.Cause(ctx), models.ErrSoftTimeLimit):
		f.Reason = fmt.Sprintf("Task exceeded soft time limit after %s", elapsed.Round(time.Second))
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		f.Kind = models.TransientInfra
		f.Metadata["api_calls_made"] = 0
	}
	return f
}

// Commit writes the artifact for a terminal outcome, then finishes the job and its task handle.
// If the job is already terminal nothing is written and models.ErrTerminal is returned with the stored job.
func (e *Executor) Commit(ctx context.Context, c Claim, o models.Outcome) (*models.Job, error) {
	log := e.log.WithJob(c.JobID)
	job, err := e.store.Get(ctx, c.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, models.ErrTerminal
	}

	ref, err := e.writer.Write(ctx, job, o)
	if err != nil {
		// 报告写入失败不阻止终态提交
		log.WithError(models.NewErrorInfo(err, "artifact_error")).Error("Failed to write analysis report")
		ref = ""
	}

	done, err := e.store.Finish(ctx, c.JobID, o, ref)
	if err != nil {
		if ref != "" {
			if rmErr := e.writer.Remove(ctx, ref); rmErr != nil {
				log.WithError(models.NewErrorInfo(rmErr, "artifact_error")).Warn("Failed to remove orphaned report")
			}
		}
		return done, err
	}

	if c.TaskID != "" {
		e.finishHandle(ctx, log, c.TaskID, o)
	}
	log.WithPayload(map[string]interface{}{
		"status":      done.Status,
		"output_file": ref,
		"elapsed":     o.Duration().String(),
	}).Info("Analysis committed")
	return done, nil
}

func (e *Executor) finishHandle(ctx context.Context, log *logger.Logger, taskID string, o models.Outcome) {
	now := e.now()
	patch := models.HandlePatch{CompletedAt: &now}
	status := models.TaskHandleCompleted
	if f, ok := o.(models.Failure); ok {
		status = models.TaskHandleFailed
		reason := f.Reason
		patch.ErrorMessage = &reason
	}
	patch.Status = &status
	if _, err := e.store.UpdateTaskHandle(ctx, taskID, patch); err != nil {
		e.warnHandle(log, taskID, err)
	}
}

// ScheduleRetry records a failed attempt that will be retried after delay. The job stays
// processing and its lease passes to next, the retry's token, for delay plus one lease;
// the handle moves to retrying.
func (e *Executor) ScheduleRetry(ctx context.Context, c Claim, next string, f models.Failure, retries int, delay time.Duration) error {
	log := e.log.WithJob(c.JobID)
	if _, err := e.store.Handover(ctx, c.JobID, c.Token, next, e.now().Add(delay+e.cfg.Lease)); err != nil {
		return fmt.Errorf("移交任务租约失败: %w", err)
	}
	if c.TaskID != "" {
		status := models.TaskHandleRetrying
		reason := f.Reason
		if _, err := e.store.UpdateTaskHandle(ctx, c.TaskID, models.HandlePatch{Status: &status, RetryCount: &retries, ErrorMessage: &reason}); err != nil {
			e.warnHandle(log, c.TaskID, err)
		}
	}
	log.WithPayload(map[string]interface{}{
		"retry":  retries,
		"delay":  delay.String(),
		"reason": f.Reason,
	}).Warn("Analysis attempt failed, retry scheduled")
	return nil
}

// CancelRetry gives the lease back to c after the retry under next could not be published.
func (e *Executor) CancelRetry(ctx context.Context, c Claim, next string) error {
	if _, err := e.store.Handover(ctx, c.JobID, next, c.Token, e.now().Add(e.cfg.Lease)); err != nil {
		return fmt.Errorf("收回任务租约失败: %w", err)
	}
	return nil
}

// Run performs an attempt and commits whatever it produced, without retries.
func (e *Executor) Run(ctx context.Context, c Claim) (*models.Job, error) {
	o, err := e.Attempt(ctx, c)
	if err != nil {
		return nil, err
	}
	if f, ok := o.(models.Failure); ok {
		o = f.Exhaust()
	}
	return e.Commit(ctx, c, o)
}

func (e *Executor) warnHandle(log *logger.Logger, taskID string, err error) {
	entry := log.WithPayload(map[string]interface{}{"task_id": taskID})
	if errors.Is(err, models.ErrNotFound) {
		entry.Warn("Task handle not found, continuing without it")
		return
	}
	entry.WithError(models.NewErrorInfo(err, "database_error")).Warn("Failed to update task handle")
}
