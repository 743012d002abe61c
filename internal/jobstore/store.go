// Package jobstore persists analysis jobs and their task handles.
//
// Every state change goes through a named transition on Store. Implementations
// apply each transition atomically and guard it with a check on the stored status,
// so concurrent writers observe ErrConflict instead of silently overwriting.
package jobstore

import (
	"FinDocAnalyzer/internal/models"
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Patch is a partial update of a non-terminal job. Nil fields are left unchanged.
// Result, error and timing columns are only written by Finish.
type Patch struct {
	Status         *models.JobStatus
	ExpectStatus   *models.JobStatus // check-and-set guard
	OutputFilePath *string
	Metadata       map[string]interface{} // merged into the stored metadata
}

// Filter narrows List. Zero value matches everything.
type Filter struct {
	Statuses      []models.JobStatus
	CreatedBefore *time.Time
}

// Page is one window of List results plus the total match count.
type Page struct {
	Jobs  []models.Job
	Total int64
}

// Store is the durable record of jobs.
type Store interface {
	Create(ctx context.Context, in models.NewJob) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	Update(ctx context.Context, id string, p Patch) (*models.Job, error)
	List(ctx context.Context, f Filter, limit, offset int) (Page, error)

	// Claim moves a pending or processing job to processing under token until leaseUntil.
	// It fails with ErrClaimed while another token holds an unexpired lease.
	Claim(ctx context.Context, id, token string, leaseUntil time.Time) (*models.Job, error)
	// Finish commits a terminal outcome. Finishing a terminal job returns it unchanged with ErrTerminal.
	Finish(ctx context.Context, id string, o models.Outcome, outputPath string) (*models.Job, error)
	Delete(ctx context.Context, id string) error
	// Handover moves the lease held by from to to. It fails with ErrClaimed when
	// another token holds a live lease.
	Handover(ctx context.Context, id, from, to string, leaseUntil time.Time) (*models.Job, error)

	CreateTaskHandle(ctx context.Context, h *models.TaskHandle) error
	UpdateTaskHandle(ctx context.Context, taskID string, p models.HandlePatch) (*models.TaskHandle, error)
	GetTaskHandle(ctx context.Context, taskID string) (*models.TaskHandle, error)
	TaskHandlesForJob(ctx context.Context, jobID string) ([]models.TaskHandle, error)

	Ping(ctx context.Context) error
	Close() error
}

// Option configures a store.
type Option func(*storeOptions)

type storeOptions struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) { o.now = now }
}

func buildOptions(opts []Option) storeOptions {
	o := storeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validateNew(in models.NewJob) error {
	if in.FileName == "" || in.FilePath == "" {
		return fmt.Errorf("file name and path are required")
	}
	if !in.FileSource.Valid() {
		return fmt.Errorf("unknown file source %q", in.FileSource)
	}
	return nil
}

// checkClaim decides whether token may take the lease on j at now.
func checkClaim(j *models.Job, token string, now time.Time) error {
	if j.Status.IsTerminal() {
		return models.ErrTerminal
	}
	if j.ClaimToken != "" && j.ClaimToken != token && j.ClaimedUntil != nil && j.ClaimedUntil.After(now) {
		return models.ErrClaimed
	}
	return nil
}

// terminalFields derives the columns Finish writes from an outcome.
func terminalFields(j *models.Job, o models.Outcome, outputPath string, now time.Time) map[string]interface{} {
	secs := o.Duration().Seconds()
	fields := map[string]interface{}{
		"status":          o.Status(),
		"processing_time": secs,
		"completed_at":    now,
		"updated_at":      now,
		"claim_token":     "",
		"claimed_until":   nil,
	}
	switch v := o.(type) {
	case models.Success:
		fields["analysis_result"] = v.Text
		fields["error_message"] = nil
	case models.Failure:
		fields["error_message"] = v.Reason
		fields["analysis_result"] = nil
	}
	if outputPath != "" {
		fields["output_file_path"] = outputPath
	}
	md := mergeMetadata(j.Metadata, models.OutcomeMetadata(o))
	if f, ok := o.(models.Failure); ok && f.Kind != "" {
		md["failure_kind"] = string(f.Kind)
	}
	fields["analysis_metadata"] = md
	return fields
}

func mergeMetadata(base, extra map[string]interface{}) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// patchFields validates p against j and returns the column updates.
func patchFields(j *models.Job, p Patch, now time.Time) (map[string]interface{}, error) {
	if j.Status.IsTerminal() {
		return nil, models.ErrTerminal
	}
	if p.ExpectStatus != nil && j.Status != *p.ExpectStatus {
		return nil, fmt.Errorf("%w: expected %s, found %s", models.ErrConflict, *p.ExpectStatus, j.Status)
	}
	fields := map[string]interface{}{"updated_at": now}
	if p.Status != nil && *p.Status != j.Status {
		if p.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: terminal states are reached through Finish", models.ErrInvalidTransition)
		}
		if !models.CanTransition(j.Status, *p.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, j.Status, *p.Status)
		}
		fields["status"] = *p.Status
	}
	if p.OutputFilePath != nil {
		fields["output_file_path"] = *p.OutputFilePath
	}
	if p.Metadata != nil {
		fields["analysis_metadata"] = mergeMetadata(j.Metadata, p.Metadata)
	}
	return fields, nil
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
