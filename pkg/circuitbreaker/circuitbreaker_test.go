package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func TestBreakerTripsAndRecovers(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := New(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute, Now: func() time.Time { return now }})
	ctx := context.Background()
	fail := func(context.Context) error { return errBoom }
	ok := func(context.Context) error { return nil }

	assert.ErrorIs(t, cb.Do(ctx, fail), errBoom)
	assert.Equal(t, Closed, cb.State())
	assert.ErrorIs(t, cb.Do(ctx, fail), errBoom)
	assert.Equal(t, Open, cb.State())

	called := false
	err := cb.Do(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(time.Minute)
	assert.Equal(t, HalfOpen, cb.State())
	assert.NoError(t, cb.Do(ctx, ok))
	assert.Equal(t, Closed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := New(Config{FailureThreshold: 1, Timeout: time.Second, Now: func() time.Time { return now }})
	ctx := context.Background()

	_ = cb.Do(ctx, func(context.Context) error { return errBoom })
	now = now.Add(time.Second)
	_ = cb.Do(ctx, func(context.Context) error { return errBoom })
	assert.Equal(t, Open, cb.State())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{FailureThreshold: 2})
	ctx := context.Background()
	_ = cb.Do(ctx, func(context.Context) error { return errBoom })
	_ = cb.Do(ctx, func(context.Context) error { return nil })
	_ = cb.Do(ctx, func(context.Context) error { return errBoom })
	assert.Equal(t, Closed, cb.State())
}

func TestCancellationDoesNotCount(t *testing.T) {
	cb := New(Config{FailureThreshold: 1})
	_ = cb.Do(context.Background(), func(context.Context) error { return context.Canceled })
	assert.Equal(t, Closed, cb.State())
	assert.Equal(t, "Closed", cb.State().String())
}
