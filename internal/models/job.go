package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus 定义了分析任务的生命周期状态。
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// FileSource 标识被分析文档的来源。
type FileSource string

const (
	FileSourceUploaded FileSource = "uploaded"
	FileSourceDefault  FileSource = "default"
)

// DefaultQuery is used whenever a submission arrives with an empty query.
const DefaultQuery = "Analyze this financial document for investment insights"

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// CanTransition encodes pending -> processing -> {completed, failed}.
// processing -> processing is allowed because retries and re-claims recur there.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing
	case JobStatusProcessing:
		return to == JobStatusProcessing || to.IsTerminal()
	default:
		return false
	}
}

// Valid reports whether the source tag is known.
func (s FileSource) Valid() bool {
	return s == FileSourceUploaded || s == FileSourceDefault
}

// Job 代表一条持久化的文档分析记录。
type Job struct {
	ID             string            `gorm:"primaryKey;size:36" bson:"_id" json:"id"`
	FileName       string            `gorm:"size:255;not null" bson:"file_name" json:"file_name"`
	FilePath       string            `gorm:"size:500;not null" bson:"file_path" json:"file_path"`
	Query          string            `gorm:"type:text;not null" bson:"query" json:"query"`
	FileSource     FileSource        `gorm:"size:50;not null" bson:"file_source" json:"file_source"`
	Status         JobStatus         `gorm:"size:50;index;default:'pending'" bson:"status" json:"status"`
	Result         *string           `gorm:"column:analysis_result;type:text" bson:"analysis_result,omitempty" json:"analysis_result,omitempty"`
	Error          *string           `gorm:"column:error_message;type:text" bson:"error_message,omitempty" json:"error_message,omitempty"`
	ProcessingTime *float64          `gorm:"column:processing_time" bson:"processing_time,omitempty" json:"processing_time,omitempty"`
	FileSize       *int64            `bson:"file_size,omitempty" json:"file_size,omitempty"`
	FileType       string            `gorm:"size:10" bson:"file_type" json:"file_type,omitempty"`
	OutputFilePath string            `gorm:"size:500" bson:"output_file_path" json:"output_file_path,omitempty"`
	OutputFormat   string            `gorm:"size:10;default:'txt'" bson:"output_format" json:"output_format"`
	Metadata       datatypes.JSONMap `gorm:"column:analysis_metadata" bson:"analysis_metadata" json:"analysis_metadata,omitempty"`
	ClaimToken     string            `gorm:"size:64" bson:"claim_token" json:"-"`
	ClaimedUntil   *time.Time        `gorm:"index" bson:"claimed_until,omitempty" json:"-"`
	CreatedAt      time.Time         `gorm:"index" bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at" json:"updated_at"`
	CompletedAt    *time.Time        `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// TableName keeps the historical table name.
func (Job) TableName() string { return "analysis_results" }

// NewJob carries the fields a caller supplies at submission time.
type NewJob struct {
	FileName   string
	FilePath   string
	Query      string
	FileSource FileSource
	FileSize   *int64
	FileType   string
	Metadata   map[string]interface{}
}
