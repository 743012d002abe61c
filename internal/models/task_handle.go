package models

import "time"

// TaskHandleStatus 是执行引擎侧镜像的任务状态。
type TaskHandleStatus string

const (
	TaskHandlePending   TaskHandleStatus = "pending"
	TaskHandleRunning   TaskHandleStatus = "running"
	TaskHandleRetrying  TaskHandleStatus = "retrying"
	TaskHandleCompleted TaskHandleStatus = "completed"
	TaskHandleFailed    TaskHandleStatus = "failed"
)

// TaskTypeDocumentAnalysis is the only task type that produces analysis results.
const TaskTypeDocumentAnalysis = "document_analysis"

// TaskHandle 将 Job 与执行引擎的任务 ID 关联起来，记录派发与重试状态。
type TaskHandle struct {
	ID           string           `gorm:"primaryKey;size:36" bson:"_id" json:"id"`
	TaskID       string           `gorm:"column:celery_task_id;size:255;uniqueIndex;not null" bson:"task_id" json:"task_id"`
	JobID        string           `gorm:"column:analysis_result_id;size:36;index;not null" bson:"job_id" json:"job_id"`
	TaskType     string           `gorm:"size:50;not null" bson:"task_type" json:"task_type"`
	Queue        string           `gorm:"size:50" bson:"queue" json:"queue"`
	Status       TaskHandleStatus `gorm:"size:50;default:'pending'" bson:"status" json:"status"`
	Priority     int              `gorm:"default:0" bson:"priority" json:"priority"`
	RetryCount   int              `gorm:"default:0" bson:"retry_count" json:"retry_count"`
	MaxRetries   int              `gorm:"default:3" bson:"max_retries" json:"max_retries"`
	ErrorMessage *string          `gorm:"type:text" bson:"error_message,omitempty" json:"error_message,omitempty"`
	CreatedAt    time.Time        `bson:"created_at" json:"created_at"`
	StartedAt    *time.Time       `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt  *time.Time       `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// TableName keeps the historical table name.
func (TaskHandle) TableName() string { return "task_queue" }

// HandlePatch lists the task handle fields a transition may touch. Nil means unchanged.
type HandlePatch struct {
	Status       *TaskHandleStatus
	RetryCount   *int
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}
