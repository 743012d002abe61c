package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker. Messages do not survive a restart.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	closed bool
	done   chan struct{}
	now    func() time.Time
}

type memQueue struct {
	ready   []TaskMessage
	delayed []delayedMsg
	// 有新消息时关闭并替换，用于唤醒所有等待者
	signal chan struct{}
}

type delayedMsg struct {
	due time.Time
	msg TaskMessage
}

var _ Broker = (*MemoryBroker)(nil)

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]*memQueue),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

func (b *MemoryBroker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{signal: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

func (q *memQueue) wake() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (b *MemoryBroker) Publish(_ context.Context, queue string, msg TaskMessage, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	q := b.queue(queue)
	if delay > 0 {
		q.delayed = append(q.delayed, delayedMsg{due: b.now().Add(delay), msg: msg})
	} else {
		q.ready = append(q.ready, msg)
	}
	q.wake()
	return nil
}

func (b *MemoryBroker) Receive(ctx context.Context, queue string) (Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		q := b.queue(queue)
		next := q.promote(b.now())
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			b.mu.Unlock()
			return &memDelivery{broker: b, queue: queue, msg: msg}, nil
		}
		signal := q.signal
		b.mu.Unlock()

		if err := b.wait(ctx, signal, next); err != nil {
			return nil, err
		}
	}
}

func (b *MemoryBroker) wait(ctx context.Context, signal <-chan struct{}, next time.Time) error {
	var timer <-chan time.Time
	if !next.IsZero() {
		t := time.NewTimer(next.Sub(b.now()))
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	case <-signal:
	case <-timer:
	}
	return nil
}

// promote moves due delayed messages to ready and returns the earliest remaining due time.
func (q *memQueue) promote(now time.Time) time.Time {
	var next time.Time
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if !d.due.After(now) {
			q.ready = append(q.ready, d.msg)
			continue
		}
		if next.IsZero() || d.due.Before(next) {
			next = d.due
		}
		kept = append(kept, d)
	}
	q.delayed = kept
	return next
}

// Len returns the number of ready plus delayed messages on queue.
func (b *MemoryBroker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	return len(q.ready) + len(q.delayed)
}

func (b *MemoryBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

type memDelivery struct {
	broker *MemoryBroker
	queue  string
	msg    TaskMessage
	once   sync.Once
}

func (d *memDelivery) Message() TaskMessage { return d.msg }

func (d *memDelivery) Ack(context.Context) error {
	d.once.Do(func() {})
	return nil
}

func (d *memDelivery) Nack(_ context.Context, requeue bool) error {
	var err error
	d.once.Do(func() {
		if !requeue {
			return
		}
		b := d.broker
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			err = ErrClosed
			return
		}
		q := b.queue(d.queue)
		q.ready = append([]TaskMessage{d.msg}, q.ready...)
		q.wake()
	})
	return err
}
