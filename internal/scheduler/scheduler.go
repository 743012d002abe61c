// Package scheduler hands jobs to the broker and runs the worker pools that consume them.
package scheduler

import (
	"FinDocAnalyzer/internal/jobstore"
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/internal/queue"
	"FinDocAnalyzer/pkg/logger"
	"context"
	"fmt"
)

// Scheduler publishes tasks and records a task handle for every successful publish.
type Scheduler struct {
	broker queue.Broker
	store  jobstore.Store
	routes queue.Routes
	policy queue.RetryPolicy
	log    *logger.Logger
}

func New(broker queue.Broker, store jobstore.Store, routes queue.Routes, policy queue.RetryPolicy, log *logger.Logger) *Scheduler {
	return &Scheduler{broker: broker, store: store, routes: routes, policy: policy, log: log}
}

// Enqueue publishes an analyze_document task for job and returns its task id.
// The task handle is created only after the broker accepted the message, so a failed
// publish leaves no handle behind.
func (s *Scheduler) Enqueue(ctx context.Context, job *models.Job) (string, error) {
	msg := queue.NewTask(queue.TaskAnalyzeDocument, job.ID)
	q := s.routes.For(msg.Name)
	if err := s.broker.Publish(ctx, q, msg, 0); err != nil {
		return "", fmt.Errorf("派发分析任务失败: %w", err)
	}

	h := &models.TaskHandle{
		TaskID:     msg.ID,
		JobID:      job.ID,
		TaskType:   models.TaskTypeDocumentAnalysis,
		Queue:      q,
		MaxRetries: s.policy.MaxRetries,
	}
	if err := s.store.CreateTaskHandle(ctx, h); err != nil {
		// 消息已经发出，任务仍会执行，只是缺少句柄
		s.log.WithJob(job.ID).WithError(models.NewErrorInfo(err, "database_error")).
			WithPayload(map[string]interface{}{"task_id": msg.ID}).Error("Failed to record task handle")
	}
	s.log.WithJob(job.ID).WithPayload(map[string]interface{}{"task_id": msg.ID, "queue": q}).Info("Analysis task enqueued")
	return msg.ID, nil
}

// EnqueueCleanup publishes a cleanup_old_results task.
func (s *Scheduler) EnqueueCleanup(ctx context.Context) (string, error) {
	msg := queue.NewTask(queue.TaskCleanupOldResults, "")
	if err := s.broker.Publish(ctx, s.routes.For(msg.Name), msg, 0); err != nil {
		return "", fmt.Errorf("派发清理任务失败: %w", err)
	}
	return msg.ID, nil
}
