package models

import "errors"

var (
	// ErrNotFound is returned for an unknown job or task id.
	ErrNotFound = errors.New("not found")
	// ErrNotReady is returned when a result is requested before the job completed.
	ErrNotReady = errors.New("analysis not ready")
	// ErrConflict is returned when a check-and-set update saw an unexpected status.
	ErrConflict = errors.New("status conflict")
	// ErrClaimed is returned when another live worker holds the job lease.
	ErrClaimed = errors.New("job claimed by another worker")
	// ErrTerminal is returned when a transition is attempted on a completed or failed job.
	ErrTerminal = errors.New("job already in terminal state")
	// ErrInvalidTransition is returned for a transition the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrSoftTimeLimit is the context cause once an attempt passes its soft time limit.
	ErrSoftTimeLimit = errors.New("soft time limit exceeded")
	// ErrHardTimeLimit is the context cause of an attempt the worker abandoned.
	ErrHardTimeLimit = errors.New("hard time limit exceeded")
)

// ErrorInfo 存储了关于错误的结构化信息。
type ErrorInfo struct {
	Message    string `json:"message"`
	Stack      string `json:"stack,omitempty"`       // 错误的堆栈信息
	Type       string `json:"type,omitempty"`        // 错误的类型，例如 "database_error", "validation_error"
	StatusCode int    `json:"status_code,omitempty"` // 相关的HTTP状态码
}

// NewErrorInfo builds an ErrorInfo from err.
func NewErrorInfo(err error, kind string) ErrorInfo {
	if err == nil {
		return ErrorInfo{Type: kind}
	}
	return ErrorInfo{Message: err.Error(), Type: kind}
}

// RequestInfo 存储了关于 HTTP 请求的上下文信息。
type RequestInfo struct {
	Method     string `json:"method"`
	Path       string `json:"path"`
	RemoteAddr string `json:"remote_addr"`
	UserAgent  string `json:"user_agent"`
}
