package maintenance

import (
	"FinDocAnalyzer/internal/executor"
	"FinDocAnalyzer/internal/jobstore"
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/pkg/logger"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Runner executes and commits one job synchronously.
type Runner interface {
	Run(ctx context.Context, c executor.Claim) (*models.Job, error)
}

type ReconcileReport struct {
	Examined  int      `json:"examined"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// Reconciler re-drives jobs left pending or processing. Each job is claimed with a
// fresh token, so one still leased by a live worker is skipped.
type Reconciler struct {
	store  jobstore.Store
	runner Runner
	log    *logger.Logger
}

func NewReconciler(store jobstore.Store, runner Runner, log *logger.Logger) *Reconciler {
	return &Reconciler{store: store, runner: runner, log: log}
}

var stuckStatuses = []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing}

// Reconcile handles the stuck jobs one at a time. When ctx ends it stops between
// jobs and returns what it has done so far.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	ids, err := r.stuckIDs(ctx)
	if err != nil {
		return report, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Examined++
		r.reconcileOne(ctx, id, &report)
	}
	r.log.WithPayload(map[string]interface{}{
		"examined":  report.Examined,
		"completed": report.Completed,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
	}).Info("Reconcile finished")
	return report, nil
}

// stuckIDs snapshots the candidates first; running them changes the listing.
func (r *Reconciler) stuckIDs(ctx context.Context) ([]string, error) {
	var ids []string
	filter := jobstore.Filter{Statuses: stuckStatuses}
	for offset := 0; ; offset += sweepBatch {
		page, err := r.store.List(ctx, filter, sweepBatch, offset)
		if err != nil {
			return nil, fmt.Errorf("查询未完成记录失败: %w", err)
		}
		for _, j := range page.Jobs {
			ids = append(ids, j.ID)
		}
		if len(page.Jobs) < sweepBatch {
			return ids, nil
		}
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, id string, report *ReconcileReport) {
	log := r.log.WithJob(id)
	c := executor.Claim{JobID: id, Token: "reconcile-" + uuid.NewString(), TaskID: r.openTask(ctx, id)}

	job, err := r.runner.Run(ctx, c)
	switch {
	case err == nil:
		if job.Status == models.JobStatusCompleted {
			report.Completed++
		} else {
			report.Failed++
		}
		log.WithPayload(map[string]interface{}{"status": job.Status}).Info("Stuck job re-driven")
	case errors.Is(err, models.ErrClaimed):
		report.Skipped++
		log.Info("Job is leased by a live worker, skipping")
	case errors.Is(err, models.ErrTerminal), errors.Is(err, models.ErrNotFound):
		report.Skipped++
	default:
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", id, err))
		log.WithError(models.NewErrorInfo(err, "reconcile_error")).Error("Failed to re-drive stuck job")
	}
}

// openTask returns the newest task handle that has not finished, so the re-drive keeps it in step.
func (r *Reconciler) openTask(ctx context.Context, jobID string) string {
	hs, err := r.store.TaskHandlesForJob(ctx, jobID)
	if err != nil {
		return ""
	}
	for i := len(hs) - 1; i >= 0; i-- {
		if hs[i].Status != models.TaskHandleCompleted && hs[i].Status != models.TaskHandleFailed {
			return hs[i].TaskID
		}
	}
	return ""
}
