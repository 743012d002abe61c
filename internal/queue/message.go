// Package queue moves task messages between the API, the beat process and the workers.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// 任务名称
const (
	TaskAnalyzeDocument   = "analyze_document"
	TaskCleanupOldResults = "cleanup_old_results"
)

// TaskMessage 是经由 broker 传递的任务消息。
// ID 在重试之间保持不变，Attempt 记录已经发生的重试次数。
type TaskMessage struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	JobID      string    `json:"job_id,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewTask 创建一条新的任务消息。
func NewTask(name, jobID string) TaskMessage {
	return TaskMessage{
		ID:         uuid.NewString(),
		Name:       name,
		JobID:      jobID,
		EnqueuedAt: time.Now().UTC(),
	}
}

// ClaimToken identifies one attempt of the task on the job lease. Redeliveries of the
// same attempt share it; the next retry gets its own.
func (m TaskMessage) ClaimToken() string {
	return fmt.Sprintf("%s#%d", m.ID, m.Attempt)
}

// Next returns the message for the following retry attempt.
func (m TaskMessage) Next() TaskMessage {
	m.Attempt++
	m.EnqueuedAt = time.Now().UTC()
	return m
}

func encode(m TaskMessage) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("序列化任务消息失败: %w", err)
	}
	return b, nil
}

func decode(b []byte) (TaskMessage, error) {
	var m TaskMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return TaskMessage{}, fmt.Errorf("解析任务消息失败: %w", err)
	}
	if m.ID == "" || m.Name == "" {
		return TaskMessage{}, fmt.Errorf("任务消息缺少 id 或 name")
	}
	return m, nil
}

// Routes maps task names onto queue names.
type Routes struct {
	Analysis string
	Default  string
}

// DefaultRoutes 与 worker 的默认配置一致。
var DefaultRoutes = Routes{Analysis: "analysis", Default: "default"}

// For returns the queue a task name is routed to.
func (r Routes) For(taskName string) string {
	if taskName == TaskAnalyzeDocument {
		return r.Analysis
	}
	return r.Default
}
