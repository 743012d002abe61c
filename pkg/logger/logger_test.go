package logger

import (
	"FinDocAnalyzer/internal/models"
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	InitWithOutput(logrus.DebugLevel, &buf)
	t.Cleanup(func() { Init(logrus.InfoLevel); logrus.SetOutput(os.Stderr) })

	base := New("worker", "trace-1", "")
	base.WithJob("job-1").WithError(models.ErrorInfo{Message: "boom", Type: "execution_failure"}).Error("attempt failed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "attempt failed", line["message"])
	require.Equal(t, "error", line["level"])
	require.Equal(t, "worker", line["service_name"])
	require.Equal(t, "job-1", line["job_id"])
	require.Contains(t, line, "timestamp")
	errField, ok := line["error"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "boom", errField["message"])
}

func TestWithDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	InitWithOutput(logrus.InfoLevel, &buf)
	t.Cleanup(func() { logrus.SetOutput(os.Stderr) })

	base := New("api", "", "")
	_ = base.WithPayload(map[string]interface{}{"k": "v"})
	base.Info("plain")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.NotContains(t, line, "payload")
}
