package models

import "time"

// FailureKind classifies why an attempt failed.
type FailureKind string

const (
	// ExecutionFailure covers analyzer errors and missing or unreadable input files.
	ExecutionFailure FailureKind = "execution_failure"
	// TransientInfra covers unreachable queue/store/analyzer infrastructure.
	TransientInfra FailureKind = "transient_infra"
	// Exhausted marks a failure whose retry budget is spent.
	Exhausted FailureKind = "exhausted"
	// TimeLimitExceeded marks an attempt abandoned at the hard time limit. It is never retried.
	TimeLimitExceeded FailureKind = "time_limit_exceeded"
)

// Outcome is the result of one execution attempt: either Success or Failure.
type Outcome interface {
	Status() JobStatus
	Duration() time.Duration
	isOutcome()
}

// Success carries the analysis text.
type Success struct {
	Text     string
	Elapsed  time.Duration
	Metadata map[string]interface{}
}

// Failure carries the reason an attempt failed.
type Failure struct {
	Reason   string
	Kind     FailureKind
	Elapsed  time.Duration
	Metadata map[string]interface{}
}

func (Success) Status() JobStatus         { return JobStatusCompleted }
func (s Success) Duration() time.Duration { return s.Elapsed }
func (Success) isOutcome()                {}

func (Failure) Status() JobStatus         { return JobStatusFailed }
func (f Failure) Duration() time.Duration { return f.Elapsed }
func (Failure) isOutcome()                {}

// Exhaust returns a copy of f marked as having used up its retries.
func (f Failure) Exhaust() Failure {
	f.Kind = Exhausted
	return f
}

// OutcomeMetadata returns the metadata attached to either variant.
func OutcomeMetadata(o Outcome) map[string]interface{} {
	switch v := o.(type) {
	case Success:
		return v.Metadata
	case Failure:
		return v.Metadata
	}
	return nil
}
