package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Receive and Publish after Close.
var ErrClosed = errors.New("broker closed")

// Broker is an at-least-once task transport. A message received but never
// acknowledged is delivered again, which is why every consumer must be idempotent.
type Broker interface {
	// Publish enqueues msg on queue. A positive delay holds it back until then.
	Publish(ctx context.Context, queue string, msg TaskMessage, delay time.Duration) error
	// Receive blocks until a message is available on queue or ctx ends.
	// Each call hands out exactly one unacknowledged delivery.
	Receive(ctx context.Context, queue string) (Delivery, error)
	Ping(ctx context.Context) error
	Close() error
}

// Delivery is one received message awaiting acknowledgement.
type Delivery interface {
	Message() TaskMessage
	// Ack removes the message for good.
	Ack(ctx context.Context) error
	// Nack gives the message up. With requeue it goes back to the front of the queue.
	Nack(ctx context.Context, requeue bool) error
}

// Backoff 决定两次重试之间的等待时间如何增长。
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy is consulted by the worker after a failed attempt.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	Backoff    Backoff
	MaxDelay   time.Duration
}

// DefaultRetryPolicy: up to three retries, sixty seconds apart.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, Delay: 60 * time.Second, Backoff: BackoffFixed}

// ShouldRetry reports whether another attempt is allowed after `retries` retries already happened.
func (p RetryPolicy) ShouldRetry(retries int) bool {
	return retries < p.MaxRetries
}

// NextDelay returns the wait before retry number retries+1.
func (p RetryPolicy) NextDelay(retries int) time.Duration {
	if p.Backoff != BackoffExponential {
		return p.Delay
	}
	d := p.Delay
	for i := 0; i < retries; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}
