package scheduler

import (
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/internal/queue"
	"FinDocAnalyzer/pkg/logger"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// PoolConfig 描述一个队列的消费者池。
type PoolConfig struct {
	Queue       string
	Concurrency int
	// MaxTasksPerWorker recycles a worker after that many tasks. Zero disables recycling.
	MaxTasksPerWorker int
	SoftTimeLimit     time.Duration
	HardTimeLimit     time.Duration
	// RequeueBackoff is the pause before a worker receives again after a handler error.
	RequeueBackoff time.Duration
}

// Pool runs Concurrency workers on one queue. Each worker holds at most one delivery
// and acknowledges it only after the handler returned.
type Pool struct {
	broker  queue.Broker
	handler Handler
	cfg     PoolConfig
	log     *logger.Logger
	// hooks for tests
	onRecycle func(slot, generation int)
}

func NewPool(broker queue.Broker, handler Handler, cfg PoolConfig, log *logger.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.HardTimeLimit <= 0 {
		cfg.HardTimeLimit = 30 * time.Minute
	}
	if cfg.SoftTimeLimit <= 0 || cfg.SoftTimeLimit > cfg.HardTimeLimit {
		cfg.SoftTimeLimit = cfg.HardTimeLimit
	}
	if cfg.RequeueBackoff <= 0 {
		cfg.RequeueBackoff = time.Second
	}
	return &Pool{broker: broker, handler: handler, cfg: cfg, log: log}
}

// Run blocks until ctx is cancelled or the broker closes. In-flight tasks run to
// completion (bounded by the hard limit) after ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for slot := 0; slot < p.cfg.Concurrency; slot++ {
		slot := slot
		g.Go(func() error { return p.slot(ctx, slot) })
	}
	p.log.WithPayload(map[string]interface{}{
		"queue":       p.cfg.Queue,
		"concurrency": p.cfg.Concurrency,
	}).Info("Worker pool started")
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

// slot keeps one worker alive, replacing it whenever it is recycled.
func (p *Pool) slot(ctx context.Context, slot int) error {
	for generation := 1; ; generation++ {
		recycled, err := p.worker(ctx, slot, generation)
		if err != nil {
			return err
		}
		if !recycled {
			return nil
		}
		if p.onRecycle != nil {
			p.onRecycle(slot, generation)
		}
	}
}

// worker processes deliveries until it should be recycled (true) or ctx ends (false).
func (p *Pool) worker(ctx context.Context, slot, generation int) (bool, error) {
	log := p.log.WithPayload(map[string]interface{}{"queue": p.cfg.Queue, "worker": fmt.Sprintf("%d.%d", slot, generation)})
	done := 0
	for {
		if ctx.Err() != nil {
			return false, nil
		}
		d, err := p.broker.Receive(ctx, p.cfg.Queue)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return false, nil
			}
			log.WithError(models.NewErrorInfo(err, "queue_error")).Error("Failed to receive task")
			if !sleepCtx(ctx, p.cfg.RequeueBackoff) {
				return false, nil
			}
			continue
		}

		abandoned := p.process(ctx, log, d)
		done++
		if abandoned {
			log.Warn("Worker abandoned a task at the hard time limit, recycling")
			return true, nil
		}
		if p.cfg.MaxTasksPerWorker > 0 && done >= p.cfg.MaxTasksPerWorker {
			log.WithPayload(map[string]interface{}{"tasks": done}).Info("Worker reached max tasks, recycling")
			return true, nil
		}
	}
}

// attempt arbitrates between a handler writing its outcome and the worker abandoning
// the delivery at the hard limit. Whichever moves it out of running first wins.
type attempt struct{ state atomic.Int32 }

const (
	attemptRunning int32 = iota
	attemptSettling
	attemptAbandoned
)

type attemptKey struct{}

// beginSettle reports whether the handler running under ctx may still write its
// outcome. It returns false once the worker abandoned the delivery.
func beginSettle(ctx context.Context) bool {
	a, ok := ctx.Value(attemptKey{}).(*attempt)
	if !ok {
		return true
	}
	return a.state.CompareAndSwap(attemptRunning, attemptSettling)
}

// process runs a single delivery and reports whether it hit the hard time limit.
func (p *Pool) process(ctx context.Context, log *logger.Logger, d queue.Delivery) bool {
	msg := d.Message()
	att := &attempt{}
	// 关闭 worker 时不打断执行中的任务
	base := context.WithoutCancel(ctx)
	hardCtx, abandon := context.WithCancelCause(context.WithValue(base, attemptKey{}, att))
	defer abandon(nil)
	softCtx, cancelSoft := context.WithTimeoutCause(hardCtx, p.cfg.SoftTimeLimit, models.ErrSoftTimeLimit)
	defer cancelSoft()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("task panicked: %v", r)
			}
		}()
		result <- p.handler.Handle(softCtx, msg)
	}()

	hard := time.NewTimer(p.cfg.HardTimeLimit)
	defer hard.Stop()

	select {
	case err := <-result:
		p.finish(ctx, base, log, d, err)
		return false
	case <-hard.C:
		if !att.state.CompareAndSwap(attemptRunning, attemptAbandoned) {
			// handler 已开始提交结果，等待其完成
			p.finish(ctx, base, log, d, <-result)
			return false
		}
		abandon(models.ErrHardTimeLimit)
		actx, cancel := settle(base)
		defer cancel()
		p.handler.Abandon(actx, msg, p.cfg.HardTimeLimit)
		if err := d.Ack(actx); err != nil {
			log.WithError(models.NewErrorInfo(err, "queue_error")).WithPayload(map[string]interface{}{"task_id": msg.ID}).Error("Failed to acknowledge abandoned task")
		}
		return true
	}
}

// finish acknowledges the delivery, or requeues it when the handler failed.
func (p *Pool) finish(ctx, base context.Context, log *logger.Logger, d queue.Delivery, err error) {
	msg := d.Message()
	if err != nil {
		log.WithError(models.NewErrorInfo(err, "task_error")).WithPayload(map[string]interface{}{"task_id": msg.ID}).Error("Task failed, requeueing")
		if nackErr := d.Nack(base, true); nackErr != nil {
			log.WithError(models.NewErrorInfo(nackErr, "queue_error")).Error("Failed to requeue task")
		}
		sleepCtx(ctx, p.cfg.RequeueBackoff)
		return
	}
	if err := d.Ack(base); err != nil {
		log.WithError(models.NewErrorInfo(err, "queue_error")).WithPayload(map[string]interface{}{"task_id": msg.ID}).Error("Failed to acknowledge task")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
