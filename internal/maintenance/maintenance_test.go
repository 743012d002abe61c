package maintenance

import (
	"FinDocAnalyzer/internal/artifact"
	"FinDocAnalyzer/internal/executor"
	"FinDocAnalyzer/internal/extract"
	"FinDocAnalyzer/internal/jobstore"
	"FinDocAnalyzer/internal/jobstore/storetest"
	"FinDocAnalyzer/internal/llm"
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/pkg/logger"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingRemover struct{ calls int }

func (f *failingRemover) Remove(context.Context, string) error {
	f.calls++
	return errors.New("permission denied")
}

func finishedJob(t *testing.T, s jobstore.Store, id, ref string, now time.Time) {
	t.Helper()
	_, err := s.Claim(context.Background(), id, "t", now.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.Finish(context.Background(), id, models.Success{Text: "ok"}, ref)
	require.NoError(t, err)
}

func TestSweepDeletesOnlyExpiredJobs(t *testing.T) {
	clock := storetest.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := storetest.New(t, clock.Now)
	dir := t.TempDir()
	local := &artifact.LocalStorage{Dir: dir}
	ctx := context.Background()

	oldRef, err := local.Create(ctx, "old.txt", []byte("old"))
	require.NoError(t, err)
	old := storetest.CreateJob(t, s, "a.pdf", "q")
	finishedJob(t, s, old.ID, oldRef, clock.Now())
	oldPending := storetest.CreateJob(t, s, "a.pdf", "q")

	clock.Advance(31 * 24 * time.Hour)
	newRef, err := local.Create(ctx, "new.txt", []byte("new"))
	require.NoError(t, err)
	fresh := storetest.CreateJob(t, s, "b.pdf", "q")
	finishedJob(t, s, fresh.ID, newRef, clock.Now())

	report, err := NewSweeper(s, local, DefaultRetention, logger.Nop()).WithClock(clock.Now).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.DeletedCount)
	assert.True(t, report.Cutoff.Equal(clock.Now().Add(-DefaultRetention)))

	for _, id := range []string{old.ID, oldPending.ID} {
		_, err = s.Get(ctx, id)
		assert.ErrorIs(t, err, models.ErrNotFound)
	}
	assert.NoFileExists(t, oldRef)

	_, err = s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.FileExists(t, newRef)
}

func TestSweepDeletesRecordWhenArtifactDeleteFails(t *testing.T) {
	clock := storetest.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := storetest.New(t, clock.Now)
	old := storetest.CreateJob(t, s, "a.pdf", "q")
	finishedJob(t, s, old.ID, "output/analysis_old.txt", clock.Now())
	clock.Advance(40 * 24 * time.Hour)

	remover := &failingRemover{}
	report, err := NewSweeper(s, remover, DefaultRetention, logger.Nop()).WithClock(clock.Now).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeletedCount)
	assert.Equal(t, 1, report.ArtifactErrors)
	assert.Equal(t, 1, remover.calls)
	_, err = s.Get(context.Background(), old.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func newExecutor(t *testing.T, s *jobstore.GormStore, a llm.Analyzer) *executor.Executor {
	t.Helper()
	w := artifact.NewWriter(&artifact.LocalStorage{Dir: t.TempDir()}, time.Now)
	return executor.New(s, extract.New(), a, w, executor.Config{Lease: time.Minute}, logger.Nop())
}

func TestReconcileRedrivesStuckJobsAndSkipsLiveLeases(t *testing.T) {
	s := storetest.New(t, nil)
	ctx := context.Background()
	doc := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(doc, []byte("cash 10"), 0o644))

	var calls int32
	exec := newExecutor(t, s, llm.Func(func(context.Context, string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "fine", nil
	}))

	pending := storetest.CreateJob(t, s, doc, "q")
	require.NoError(t, s.CreateTaskHandle(ctx, &models.TaskHandle{TaskID: "lost-task", JobID: pending.ID, TaskType: models.TaskTypeDocumentAnalysis}))

	crashed := storetest.CreateJob(t, s, doc, "q")
	_, err := s.Claim(ctx, crashed.ID, "dead-worker", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	live := storetest.CreateJob(t, s, doc, "q")
	_, err = s.Claim(ctx, live.ID, "live-worker", time.Now().Add(time.Hour))
	require.NoError(t, err)

	missing := storetest.CreateJob(t, s, filepath.Join(t.TempDir(), "gone.pdf"), "q")

	done := storetest.CreateJob(t, s, doc, "q")
	finishedJob(t, s, done.ID, "", time.Now())

	report, err := NewReconciler(s, exec, logger.Nop()).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Examined)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, report.Errors)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	for _, id := range []string{pending.ID, crashed.ID} {
		j, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, j.Status)
	}
	j, err := s.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, j.Status)
	assert.Equal(t, "live-worker", j.ClaimToken)

	j, err = s.Get(ctx, missing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, j.Status)

	h, err := s.GetTaskHandle(ctx, "lost-task")
	require.NoError(t, err)
	assert.Equal(t, models.TaskHandleCompleted, h.Status)
}

type stoppingRunner struct {
	cancel context.CancelFunc
	runs   int
}

func (r *stoppingRunner) Run(_ context.Context, c executor.Claim) (*models.Job, error) {
	r.runs++
	r.cancel()
	return &models.Job{ID: c.JobID, Status: models.JobStatusCompleted}, nil
}

func TestReconcileStopsBetweenJobs(t *testing.T) {
	s := storetest.New(t, nil)
	for i := 0; i < 3; i++ {
		storetest.CreateJob(t, s, "a.pdf", "q")
	}
	ctx, cancel := context.WithCancel(context.Background())
	runner := &stoppingRunner{cancel: cancel}

	report, err := NewReconciler(s, runner, logger.Nop()).Reconcile(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, runner.runs)
	assert.Equal(t, 1, report.Examined)
}

type countingEnqueuer struct{ n int32 }

func (c *countingEnqueuer) EnqueueCleanup(context.Context) (string, error) {
	atomic.AddInt32(&c.n, 1)
	return "task", nil
}

func TestBeatPublishesOnSchedule(t *testing.T) {
	_, err := NewBeat("not a schedule", &countingEnqueuer{}, logger.Nop())
	assert.Error(t, err)
	_, err = ParseSchedule("@hourly")
	assert.NoError(t, err)

	enq := &countingEnqueuer{}
	b, err := NewBeat("@every 1s", enq, logger.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(stopped)
	}()
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&enq.n) >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	<-stopped
}
