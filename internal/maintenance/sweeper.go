// Package maintenance holds the periodic cleanup of expired jobs and the re-drive of stuck ones.
package maintenance

import (
	"FinDocAnalyzer/internal/jobstore"
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/internal/queue"
	"FinDocAnalyzer/pkg/logger"
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultRetention 为 30 天。
const DefaultRetention = 30 * 24 * time.Hour

const sweepBatch = 100

// ArtifactRemover deletes a stored report by its reference.
type ArtifactRemover interface {
	Remove(ctx context.Context, ref string) error
}

type SweepReport struct {
	DeletedCount   int       `json:"deleted_count"`
	Cutoff         time.Time `json:"cutoff_date"`
	ArtifactErrors int       `json:"artifact_errors"`
	Failed         int       `json:"failed"`
}

// Sweeper deletes jobs created before now minus the retention, artifacts first.
type Sweeper struct {
	store     jobstore.Store
	artifacts ArtifactRemover
	retention time.Duration
	now       func() time.Time
	log       *logger.Logger
}

func NewSweeper(store jobstore.Store, artifacts ArtifactRemover, retention time.Duration, log *logger.Logger) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Sweeper{store: store, artifacts: artifacts, retention: retention, now: time.Now, log: log}
}

// WithClock replaces time.Now and returns s.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep removes every expired job. A failed artifact delete is logged and does not
// keep the job record; a failed record delete is skipped and counted.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	cutoff := s.now().UTC().Add(-s.retention)
	report := SweepReport{Cutoff: cutoff}
	filter := jobstore.Filter{CreatedBefore: &cutoff}

	// 删除会使后续记录前移，offset 只跳过删除失败的记录
	offset := 0
	for {
		page, err := s.store.List(ctx, filter, sweepBatch, offset)
		if err != nil {
			return report, fmt.Errorf("查询过期记录失败: %w", err)
		}
		if len(page.Jobs) == 0 {
			break
		}
		for i := range page.Jobs {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if s.deleteOne(ctx, &page.Jobs[i], &report) {
				continue
			}
			offset++
		}
	}

	s.log.WithPayload(map[string]interface{}{
		"deleted_count":   report.DeletedCount,
		"cutoff_date":     cutoff.Format(time.RFC3339),
		"artifact_errors": report.ArtifactErrors,
		"failed":          report.Failed,
	}).Info("Cleanup of old analysis results finished")
	return report, nil
}

// deleteOne reports true when the record is gone afterwards.
func (s *Sweeper) deleteOne(ctx context.Context, job *models.Job, report *SweepReport) bool {
	log := s.log.WithJob(job.ID)
	if job.OutputFilePath != "" {
		if err := s.artifacts.Remove(ctx, job.OutputFilePath); err != nil {
			report.ArtifactErrors++
			log.WithError(models.NewErrorInfo(err, "artifact_error")).
				WithPayload(map[string]interface{}{"output_file_path": job.OutputFilePath}).
				Warn("Failed to delete analysis report, deleting the record anyway")
		}
	}
	err := s.store.Delete(ctx, job.ID)
	switch {
	case err == nil:
		report.DeletedCount++
		return true
	case errors.Is(err, models.ErrNotFound):
		return true
	default:
		report.Failed++
		log.WithError(models.NewErrorInfo(err, "database_error")).Error("Failed to delete expired analysis record")
		return false
	}
}

// CleanupHandler runs a sweep for every cleanup_old_results task.
type CleanupHandler struct {
	sweeper *Sweeper
	log     *logger.Logger
}

func NewCleanupHandler(s *Sweeper, log *logger.Logger) *CleanupHandler {
	return &CleanupHandler{sweeper: s, log: log}
}

// Handle never asks for a requeue: the next beat sweeps again.
func (h *CleanupHandler) Handle(ctx context.Context, msg queue.TaskMessage) error {
	if _, err := h.sweeper.Sweep(ctx); err != nil {
		h.log.WithError(models.NewErrorInfo(err, "sweep_error")).WithPayload(map[string]interface{}{"task_id": msg.ID}).Error("Cleanup task failed")
	}
	return nil
}

func (h *CleanupHandler) Abandon(_ context.Context, msg queue.TaskMessage, after time.Duration) {
	h.log.WithPayload(map[string]interface{}{"task_id": msg.ID, "after": after.String()}).Warn("Cleanup task abandoned at the hard time limit")
}
