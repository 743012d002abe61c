package queue

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutes(t *testing.T) {
	assert.Equal(t, "analysis", DefaultRoutes.For(TaskAnalyzeDocument))
	assert.Equal(t, "default", DefaultRoutes.For(TaskCleanupOldResults))
	assert.Equal(t, "default", DefaultRoutes.For("something_else"))
}

func TestRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy
	assert.True(t, p.ShouldRetry(0))
	assert.True(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3))
	assert.Equal(t, 60*time.Second, p.NextDelay(0))
	assert.Equal(t, 60*time.Second, p.NextDelay(2))

	exp := RetryPolicy{MaxRetries: 5, Delay: time.Second, Backoff: BackoffExponential, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, exp.NextDelay(0))
	assert.Equal(t, 4*time.Second, exp.NextDelay(2))
	assert.Equal(t, 5*time.Second, exp.NextDelay(4))
}

func TestMessageNextKeepsID(t *testing.T) {
	m := NewTask(TaskAnalyzeDocument, "job-1")
	n := m.Next()
	assert.Equal(t, m.ID, n.ID)
	assert.Equal(t, 1, n.Attempt)
	assert.Equal(t, 0, m.Attempt)

	_, err := decode([]byte(`{"name":"x"}`))
	assert.Error(t, err)
	_, err = decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestMemoryBrokerFIFOAndRequeue(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	first, second := NewTask(TaskAnalyzeDocument, "a"), NewTask(TaskAnalyzeDocument, "b")
	require.NoError(t, b.Publish(ctx, "analysis", first, 0))
	require.NoError(t, b.Publish(ctx, "analysis", second, 0))

	d, err := b.Receive(ctx, "analysis")
	require.NoError(t, err)
	assert.Equal(t, first.ID, d.Message().ID)
	require.NoError(t, d.Nack(ctx, true))

	d, err = b.Receive(ctx, "analysis")
	require.NoError(t, err)
	assert.Equal(t, first.ID, d.Message().ID, "requeued message goes to the front")
	require.NoError(t, d.Ack(ctx))

	d, err = b.Receive(ctx, "analysis")
	require.NoError(t, err)
	assert.Equal(t, second.ID, d.Message().ID)
	require.NoError(t, d.Ack(ctx))
	assert.Equal(t, 0, b.Len("analysis"))
}

func TestMemoryBrokerDelay(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg := NewTask(TaskAnalyzeDocument, "a")
	start := time.Now()
	require.NoError(t, b.Publish(ctx, "analysis", msg, 50*time.Millisecond))
	d, err := b.Receive(ctx, "analysis")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, d.Message().ID)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryBrokerReceiveHonoursContextAndClose(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Receive(ctx, "analysis")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	errc := make(chan error, 1)
	go func() {
		_, err := b.Receive(context.Background(), "analysis")
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, <-errc, ErrClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), "analysis", NewTask("x", ""), 0), ErrClosed)
}

func TestKafkaMessageHeaders(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msg := NewTask(TaskAnalyzeDocument, "job-9")

	km, err := kafkaMessage("fda.analysis", msg, 0, now)
	require.NoError(t, err)
	assert.Equal(t, "fda.analysis", km.Topic)
	assert.Equal(t, "job-9", string(km.Key))
	_, ok := notBefore(km.Headers)
	assert.False(t, ok)

	km, err = kafkaMessage("fda.analysis", msg, time.Minute, now)
	require.NoError(t, err)
	due, ok := notBefore(km.Headers)
	require.True(t, ok)
	assert.True(t, due.Equal(now.Add(time.Minute)))

	got, err := decode(km.Value)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)

	_, ok = notBefore([]kafka.Header{{Key: notBeforeHeader, Value: []byte("garbage")}})
	assert.False(t, ok)
}

func TestOffsetTrackerCommitsContiguousPrefix(t *testing.T) {
	tr := newOffsetTracker()
	for _, off := range []int64{10, 11, 12} {
		tr.track(0, off)
	}
	tr.track(1, 5)

	_, ok := tr.complete(0, 11)
	assert.False(t, ok, "offset 10 is still running")
	_, ok = tr.complete(0, 12)
	assert.False(t, ok)

	off, ok := tr.complete(1, 5)
	require.True(t, ok)
	assert.Equal(t, int64(5), off, "partitions are independent")

	off, ok = tr.complete(0, 10)
	require.True(t, ok)
	assert.Equal(t, int64(12), off)

	tr.track(0, 13)
	off, ok = tr.complete(0, 13)
	require.True(t, ok)
	assert.Equal(t, int64(13), off)
}

func TestOffsetTrackerResetsOnRewind(t *testing.T) {
	tr := newOffsetTracker()
	tr.track(0, 20)
	tr.track(0, 21)
	// 再均衡后从已提交位置重新拉取
	tr.track(0, 20)

	off, ok := tr.complete(0, 20)
	require.True(t, ok)
	assert.Equal(t, int64(20), off)
	_, ok = tr.complete(3, 1)
	assert.False(t, ok, "unknown partition")
}

func TestClaimTokenChangesPerAttempt(t *testing.T) {
	msg := NewTask(TaskAnalyzeDocument, "job-1")
	next := msg.Next()
	assert.Equal(t, msg.ID, next.ID)
	assert.Equal(t, msg.ID+"#0", msg.ClaimToken())
	assert.Equal(t, msg.ID+"#1", next.ClaimToken())
}
