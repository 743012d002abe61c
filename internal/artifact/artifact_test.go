package artifact

import (
	"FinDocAnalyzer/internal/models"
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

var fixed = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func TestRenderSuccess(t *testing.T) {
	out := Render(Report{
		JobID:     "abc",
		Query:     "Is revenue growing?",
		FilePath:  "data/tsla.pdf",
		Generated: fixed,
		Outcome: models.Success{
			Text:     "Yes, 12% YoY.",
			Elapsed:  1234 * time.Millisecond,
			Metadata: map[string]interface{}{"tasks_executed": []string{"analyze_financial_document"}},
		},
	})

	assert.True(t, strings.HasPrefix(out, "Financial Document Analysis Report\n"))
	assert.Contains(t, out, "Analysis ID: abc\n")
	assert.Contains(t, out, "Query: Is revenue growing?\n")
	assert.Contains(t, out, "Generated: 2024-05-06T07:08:09.000000\n")
	assert.Contains(t, out, "Status: completed\n")
	assert.Contains(t, out, "Processing Time: 1.23 seconds\n")
	assert.Contains(t, out, "Analysis Result:\nYes, 12% YoY.\n")
	assert.Contains(t, out, "Error Message:\nNone\n")
	assert.Contains(t, out, "- Tasks Executed: analyze_financial_document\n")
	assert.True(t, strings.HasSuffix(out, "- File Path: data/tsla.pdf"))
}

func TestRenderFailure(t *testing.T) {
	out := Render(Report{
		JobID:     "abc",
		Generated: fixed,
		Outcome:   models.Failure{Reason: "file not found", Kind: models.Exhausted},
	})
	assert.Contains(t, out, "Status: failed\n")
	assert.Contains(t, out, "Processing Time: 0.00 seconds\n")
	assert.Contains(t, out, "Error Message:\nfile not found\n")
	assert.Contains(t, out, "- File Path: N/A")
}

func TestRenderPrintsFilePathOnce(t *testing.T) {
	out := Render(Report{
		JobID:     "abc",
		FilePath:  "data/tsla.pdf",
		Generated: fixed,
		Outcome: models.Success{
			Text:     "ok",
			Metadata: map[string]interface{}{"file_path": "data/tsla.pdf", "query": "q"},
		},
	})
	assert.Equal(t, 1, strings.Count(out, "- File Path:"))
	assert.Contains(t, out, "- Query: q\n")
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "analysis_job-1_20240506_070809.txt", FileName("job-1", fixed))
	assert.Equal(t, "analysis_job-1_20240506_070809.txt", FileName("job-1", fixed.In(time.FixedZone("x", 3600))))
}

func TestWriterCreatesOnceAndNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(&LocalStorage{Dir: filepath.Join(dir, "output")}, func() time.Time { return fixed })
	job := &models.Job{ID: "job-1", Query: "q", FilePath: "data/a.pdf"}
	ctx := context.Background()

	ref, err := w.Write(ctx, job, models.Success{Text: "first"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "output", "analysis_job-1_20240506_070809.txt"), ref)

	_, err = w.Write(ctx, job, models.Success{Text: "overwrite-attempt"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExists))

	body, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Analysis Result:\nfirst\n")
	assert.NotContains(t, string(body), "overwrite-attempt")

	require.NoError(t, w.Remove(ctx, ref))
	require.NoError(t, w.Remove(ctx, ref), "removing twice is fine")
	_, err = os.Stat(ref)
	assert.True(t, os.IsNotExist(err))
}

type failingStorage struct{ calls int }

func (f *failingStorage) Create(context.Context, string, []byte) (string, error) {
	f.calls++
	return "", errors.New("bucket unavailable")
}

func (f *failingStorage) Remove(context.Context, string) error {
	f.calls++
	return errors.New("bucket unavailable")
}

func TestMirroredStorageIgnoresMirrorFailure(t *testing.T) {
	mirror := &failingStorage{}
	s := &MirroredStorage{Primary: &LocalStorage{Dir: t.TempDir()}, Mirror: mirror, Log: logger.Nop()}
	ctx := context.Background()

	ref, err := s.Create(ctx, "a.txt", []byte("x"))
	require.NoError(t, err)
	assert.FileExists(t, ref)
	require.NoError(t, s.Remove(ctx, ref))
	assert.Equal(t, 2, mirror.calls)
}
