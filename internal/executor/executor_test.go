package executor

import (
	"FinDocAnalyzer/internal/artifact"
	"FinDocAnalyzer/internal/extract"
	"FinDocAnalyzer/internal/jobstore"
	"FinDocAnalyzer/internal/jobstore/storetest"
	"FinDocAnalyzer/internal/llm"
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/pkg/circuitbreaker"
	"FinDocAnalyzer/pkg/logger"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *jobstore.GormStore
	outDir string
	docDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		store:  storetest.New(t, nil),
		outDir: filepath.Join(t.TempDir(), "output"),
		docDir: t.TempDir(),
	}
}

func (f *fixture) executor(a llm.Analyzer) *Executor {
	w := artifact.NewWriter(&artifact.LocalStorage{Dir: f.outDir}, time.Now)
	return New(f.store, extract.New(), a, w, Config{Lease: time.Minute}, logger.Nop())
}

func (f *fixture) doc(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(f.docDir, "statement.txt")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func (f *fixture) artifacts(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.outDir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestAttemptAndCommitSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := storetest.CreateJob(t, f.store, f.doc(t, "Revenue: 100"), "How is revenue?")
	require.NoError(t, f.store.CreateTaskHandle(ctx, &models.TaskHandle{TaskID: "task-1", JobID: job.ID, TaskType: models.TaskTypeDocumentAnalysis}))

	e := f.executor(llm.Func(func(_ context.Context, prompt string) (string, error) {
		return "Revenue is healthy.", nil
	}))
	c := Claim{JobID: job.ID, Token: "task-1", TaskID: "task-1"}

	o, err := e.Attempt(ctx, c)
	require.NoError(t, err)
	require.IsType(t, models.Success{}, o)

	processing, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, processing.Status)
	h, err := f.store.GetTaskHandle(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskHandleRunning, h.Status)
	assert.NotNil(t, h.StartedAt)

	done, err := e.Commit(ctx, c, o)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, "Revenue is healthy.", *done.Result)
	assert.NotNil(t, done.ProcessingTime)
	assert.FileExists(t, done.OutputFilePath)
	assert.Equal(t, "single_call", done.Metadata["analysis_type"])

	h, err = f.store.GetTaskHandle(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskHandleCompleted, h.Status)
	assert.NotNil(t, h.CompletedAt)
}

func TestAttemptMissingFileIsExecutionFailure(t *testing.T) {
	f := newFixture(t)
	job := storetest.CreateJob(t, f.store, filepath.Join(f.docDir, "missing.pdf"), "q")
	called := false
	e := f.executor(llm.Func(func(context.Context, string) (string, error) {
		called = true
		return "", nil
	}))

	o, err := e.Attempt(context.Background(), Claim{JobID: job.ID, Token: "t"})
	require.NoError(t, err)
	fail, ok := o.(models.Failure)
	require.True(t, ok)
	assert.Equal(t, models.ExecutionFailure, fail.Kind)
	assert.Contains(t, fail.Reason, "missing.pdf")
	assert.False(t, called)
}

func TestAttemptBoundsDocument(t *testing.T) {
	f := newFixture(t)
	job := storetest.CreateJob(t, f.store, f.doc(t, strings.Repeat("x", 60000)), "q")
	var prompt string
	e := f.executor(llm.Func(func(_ context.Context, p string) (string, error) {
		prompt = p
		return "ok", nil
	}))

	o, err := e.Attempt(context.Background(), Claim{JobID: job.ID, Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxDocumentChars, strings.Count(prompt, "x"))
	assert.Contains(t, prompt, "USER QUERY: q")
	assert.Equal(t, true, models.OutcomeMetadata(o)["truncated"])
}

func TestAttemptSkipsTerminalAndClaimedJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.doc(t, "doc")
	e := f.executor(llm.Func(func(context.Context, string) (string, error) { return "ok", nil }))

	live := storetest.CreateJob(t, f.store, path, "q")
	_, err := f.store.Claim(ctx, live.ID, "worker-a", time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = e.Attempt(ctx, Claim{JobID: live.ID, Token: "reconciler"})
	assert.ErrorIs(t, err, models.ErrClaimed)

	_, err = e.Run(ctx, Claim{JobID: live.ID, Token: "worker-a"})
	require.NoError(t, err)
	_, err = e.Attempt(ctx, Claim{JobID: live.ID, Token: "worker-a"})
	assert.ErrorIs(t, err, models.ErrTerminal)

	_, err = e.Attempt(ctx, Claim{JobID: "nope", Token: "x"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCommitOnTerminalJobWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := storetest.CreateJob(t, f.store, f.doc(t, "doc"), "q")
	e := f.executor(llm.Func(func(context.Context, string) (string, error) { return "ok", nil }))
	c := Claim{JobID: job.ID, Token: "t"}

	first, err := e.Run(ctx, c)
	require.NoError(t, err)
	require.Len(t, f.artifacts(t), 1)

	again, err := e.Commit(ctx, c, models.Failure{Reason: "late", Kind: models.Exhausted})
	assert.ErrorIs(t, err, models.ErrTerminal)
	assert.Equal(t, models.JobStatusCompleted, again.Status)
	assert.Len(t, f.artifacts(t), 1)
	assert.Equal(t, first.OutputFilePath, again.OutputFilePath)
}

func TestScheduleRetryKeepsJobProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := storetest.CreateJob(t, f.store, f.doc(t, "doc"), "q")
	require.NoError(t, f.store.CreateTaskHandle(ctx, &models.TaskHandle{TaskID: "task-1", JobID: job.ID, TaskType: models.TaskTypeDocumentAnalysis}))
	e := f.executor(llm.Func(func(context.Context, string) (string, error) { return "", errors.New("upstream 503") }))
	c := Claim{JobID: job.ID, Token: "task-1#0", TaskID: "task-1"}

	o, err := e.Attempt(ctx, c)
	require.NoError(t, err)
	fail := o.(models.Failure)
	require.NoError(t, e.ScheduleRetry(ctx, c, "task-1#1", fail, 1, time.Minute))

	stored, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, stored.Status)
	assert.Equal(t, "task-1#1", stored.ClaimToken)
	assert.Nil(t, stored.Error, "errors are only recorded on the job when terminal")
	require.NotNil(t, stored.ClaimedUntil)
	assert.True(t, stored.ClaimedUntil.After(time.Now().Add(90*time.Second)))

	h, err := f.store.GetTaskHandle(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskHandleRetrying, h.Status)
	assert.Equal(t, 1, h.RetryCount)
	require.NotNil(t, h.ErrorMessage)
	assert.Contains(t, *h.ErrorMessage, "upstream 503")
	assert.Empty(t, f.artifacts(t))

	_, err = e.Attempt(ctx, c)
	assert.ErrorIs(t, err, models.ErrClaimed, "the earlier attempt lost the lease")

	require.NoError(t, e.CancelRetry(ctx, c, "task-1#1"))
	stored, err = f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-1#0", stored.ClaimToken)
}

func TestOpenBreakerIsTransient(t *testing.T) {
	f := newFixture(t)
	job := storetest.CreateJob(t, f.store, f.doc(t, "doc"), "q")
	cb := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Hour})
	failing := llm.WithBreaker(llm.Func(func(context.Context, string) (string, error) { return "", errors.New("down") }), cb)
	e := f.executor(failing)

	o, err := e.Attempt(context.Background(), Claim{JobID: job.ID, Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailure, o.(models.Failure).Kind)

	o, err = e.Attempt(context.Background(), Claim{JobID: job.ID, Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, models.TransientInfra, o.(models.Failure).Kind)
}

func TestSoftTimeLimitReason(t *testing.T) {
	f := newFixture(t)
	job := storetest.CreateJob(t, f.store, f.doc(t, "doc"), "q")
	e := f.executor(llm.Func(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))
	ctx, cancel := context.WithTimeoutCause(context.Background(), 20*time.Millisecond, models.ErrSoftTimeLimit)
	defer cancel()

	o, err := e.Attempt(ctx, Claim{JobID: job.ID, Token: "t"})
	require.NoError(t, err)
	assert.Contains(t, o.(models.Failure).Reason, "soft time limit")
}
