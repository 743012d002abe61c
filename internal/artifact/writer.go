package artifact

import (
	"FinDocAnalyzer/internal/models"
	"context"
	"fmt"
	"time"
)

// Writer names, renders and persists one report per terminal outcome.
type Writer struct {
	storage Storage
	now     func() time.Time
}

// NewWriter returns a Writer over storage. now may be nil.
func NewWriter(storage Storage, now func() time.Time) *Writer {
	if now == nil {
		now = time.Now
	}
	return &Writer{storage: storage, now: now}
}

// FileName returns analysis_<id>_<yyyymmdd_hhmmss>.txt for the given UTC instant.
func FileName(jobID string, at time.Time) string {
	return fmt.Sprintf("analysis_%s_%s.txt", jobID, at.UTC().Format("20060102_150405"))
}

// Write renders the outcome of job and stores it. The returned reference goes into output_file_path.
func (w *Writer) Write(ctx context.Context, job *models.Job, o models.Outcome) (string, error) {
	now := w.now().UTC()
	content := Render(Report{
		JobID:     job.ID,
		Query:     job.Query,
		FilePath:  job.FilePath,
		Generated: now,
		Outcome:   o,
	})
	ref, err := w.storage.Create(ctx, FileName(job.ID, now), []byte(content))
	if err != nil {
		return "", fmt.Errorf("保存分析报告失败: %w", err)
	}
	return ref, nil
}

// Remove deletes a previously written report.
func (w *Writer) Remove(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	return w.storage.Remove(ctx, ref)
}
