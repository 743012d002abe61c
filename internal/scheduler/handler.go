package scheduler

import (
	"FinDocAnalyzer/internal/executor"
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/internal/queue"
	"FinDocAnalyzer/pkg/logger"
	"context"
	"errors"
	"fmt"
	"time"
)

// Handler processes one task message. A nil error acknowledges the delivery; a non-nil
// error requeues it. Abandon is called when the worker gives up at the hard time limit.
type Handler interface {
	Handle(ctx context.Context, msg queue.TaskMessage) error
	Abandon(ctx context.Context, msg queue.TaskMessage, after time.Duration)
}

// Mux dispatches by task name. Unknown names are logged and acknowledged.
type Mux struct {
	handlers map[string]Handler
	log      *logger.Logger
}

func NewMux(log *logger.Logger) *Mux {
	return &Mux{handlers: make(map[string]Handler), log: log}
}

// Register 为任务名注册处理器。
func (m *Mux) Register(name string, h Handler) *Mux {
	m.handlers[name] = h
	return m
}

func (m *Mux) Handle(ctx context.Context, msg queue.TaskMessage) error {
	h, ok := m.handlers[msg.Name]
	if !ok {
		m.log.WithPayload(map[string]interface{}{"task": msg.Name, "task_id": msg.ID}).Warn("No handler for task, dropping it")
		return nil
	}
	return h.Handle(ctx, msg)
}

func (m *Mux) Abandon(ctx context.Context, msg queue.TaskMessage, after time.Duration) {
	if h, ok := m.handlers[msg.Name]; ok {
		h.Abandon(ctx, msg, after)
	}
}

// Republisher puts a retry back on the broker.
type Republisher interface {
	Publish(ctx context.Context, queue string, msg queue.TaskMessage, delay time.Duration) error
}

// AnalysisHandler runs analyze_document tasks: one attempt per delivery, retries
// published as delayed messages with the same task id.
type AnalysisHandler struct {
	exec   *executor.Executor
	broker Republisher
	queue  string
	policy queue.RetryPolicy
	log    *logger.Logger
}

func NewAnalysisHandler(exec *executor.Executor, broker Republisher, queueName string, policy queue.RetryPolicy, log *logger.Logger) *AnalysisHandler {
	return &AnalysisHandler{exec: exec, broker: broker, queue: queueName, policy: policy, log: log}
}

func claimFor(msg queue.TaskMessage) executor.Claim {
	return executor.Claim{JobID: msg.JobID, Token: msg.ClaimToken(), TaskID: msg.ID}
}

func (h *AnalysisHandler) Handle(ctx context.Context, msg queue.TaskMessage) error {
	log := h.log.WithJob(msg.JobID).WithPayload(map[string]interface{}{"task_id": msg.ID, "attempt": msg.Attempt})
	c := claimFor(msg)

	o, err := h.exec.Attempt(ctx, c)
	if err != nil {
		if errors.Is(err, models.ErrTerminal) || errors.Is(err, models.ErrClaimed) || errors.Is(err, models.ErrNotFound) {
			log.WithError(models.NewErrorInfo(err, "skipped")).Info("Task has nothing to do")
			return nil
		}
		return fmt.Errorf("执行任务 %s 失败: %w", msg.ID, err)
	}
	if !beginSettle(ctx) {
		// worker 已放弃该任务并写入了失败结果
		log.Warn("Attempt finished after the worker abandoned it, discarding outcome")
		return nil
	}

	// 软超时后 ctx 已失效，提交与登记使用独立的 context
	sctx, cancel := settle(ctx)
	defer cancel()
	if f, ok := o.(models.Failure); ok {
		if h.policy.ShouldRetry(msg.Attempt) {
			return h.retry(sctx, c, msg, f)
		}
		o = f.Exhaust()
	}
	if _, err := h.exec.Commit(sctx, c, o); err != nil && !errors.Is(err, models.ErrTerminal) {
		return fmt.Errorf("提交任务 %s 结果失败: %w", msg.ID, err)
	}
	return nil
}

func (h *AnalysisHandler) retry(ctx context.Context, c executor.Claim, msg queue.TaskMessage, f models.Failure) error {
	next := msg.Next()
	delay := h.policy.NextDelay(msg.Attempt)
	// 先移交租约再发布，重试消息到达时租约已属于它
	if err := h.exec.ScheduleRetry(ctx, c, next.ClaimToken(), f, next.Attempt, delay); err != nil {
		return fmt.Errorf("登记重试失败: %w", err)
	}
	if err := h.broker.Publish(ctx, h.queue, next, delay); err != nil {
		if cerr := h.exec.CancelRetry(ctx, c, next.ClaimToken()); cerr != nil {
			h.log.WithJob(msg.JobID).WithError(models.NewErrorInfo(cerr, "database_error")).Error("Failed to take back lease after publish failure")
		}
		return fmt.Errorf("发布重试任务失败: %w", err)
	}
	return nil
}

const settleTimeout = 30 * time.Second

func settle(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (h *AnalysisHandler) Abandon(ctx context.Context, msg queue.TaskMessage, after time.Duration) {
	f := models.Failure{
		Reason:  fmt.Sprintf("Task exceeded hard time limit of %s", after),
		Kind:    models.TimeLimitExceeded,
		Elapsed: after,
	}
	if _, err := h.exec.Commit(ctx, claimFor(msg), f); err != nil && !errors.Is(err, models.ErrTerminal) {
		h.log.WithJob(msg.JobID).WithError(models.NewErrorInfo(err, "database_error")).Error("Failed to mark timed out job as failed")
	}
}
