package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrOperationNotRunning is reported by an execution host asked to cancel an
// id that has no registered process.
var ErrOperationNotRunning = errors.New("no running operation for job")

// JobID is an opaque identifier for one tracked job.
type JobID string

// NewJobID returns a fresh time-ordered job identifier.
func NewJobID() JobID {
	id, err := uuid.NewV7()
	if err != nil {
		return JobID(uuid.NewString())
	}
	return JobID(id.String())
}

// String returns the raw identifier.
func (id JobID) String() string {
	return string(id)
}

// JobHandle is the tracked state of one in-flight job.
type JobHandle struct {
	ID              JobID     `json:"id"`
	Name            string    `json:"name"`
	OriginPage      string    `json:"originPage"`
	ProgressPercent float64   `json:"progressPercent"`
	CreatedAt       time.Time `json:"createdAt"`
}

// JobState tracks a tool page's job lifecycle.
type JobState string

const (
	JobStateIdle      JobState = "idle"
	JobStateStaging   JobState = "staging"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateCancelled JobState = "cancelled"
	JobStateFailed    JobState = "failed"
)

// IsActive reports whether a job is staging or running.
func (s JobState) IsActive() bool {
	return s == JobStateStaging || s == JobStateRunning
}

// IsTerminal reports whether the state ends a job.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateCancelled, JobStateFailed:
		return true
	default:
		return false
	}
}

// OutcomeReason tags how an external operation ended.
type OutcomeReason string

const (
	OutcomeSucceeded OutcomeReason = "succeeded"
	OutcomeCancelled OutcomeReason = "cancelled"
	OutcomeFailed    OutcomeReason = "failed"
)

// Outcome is the resolved result of one external operation.
// Reason may be empty for hosts that only report Success and Message.
type Outcome struct {
	Success    bool          `json:"success"`
	Reason     OutcomeReason `json:"reason,omitempty"`
	Message    string        `json:"message"`
	OutputPath string        `json:"outputPath,omitempty"`
}

// OperationParams are passed to the external processor for one job.
type OperationParams struct {
	InputPath  string            `json:"inputPath"`
	OutputPath string            `json:"outputPath"`
	JobID      JobID             `json:"jobId"`
	Options    map[string]string `json:"options,omitempty"`
}

// Settings contains user-selectable runtime configuration.
type Settings struct {
	FFmpegPath     string  `json:"ffmpegPath"`
	FFprobePath    string  `json:"ffprobePath"`
	StagingDir     string  `json:"stagingDir"`
	OutputDir      string  `json:"outputDir"`
	ProgressRateHz float64 `json:"progressRateHz"`
}
