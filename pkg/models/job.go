package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of an analysis job.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobDone       JobState = "done"
	JobError      JobState = "error"
)

// PendingStates are the states that count toward a user's queue position.
var PendingStates = []JobState{JobQueued, JobProcessing}

// Terminal reports whether no transition leaves the state.
func (s JobState) Terminal() bool {
	return s == JobDone || s == JobError
}

// Job is one queued unit of image analysis for a single user. SourceRef points at
// the submitted content (a LINE message id). StartedAt is set while processing
// and after; FinishedAt only once the job is done or errored.
type Job struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	UserID       string     `db:"user_id"       json:"user_id"`
	SourceRef    string     `db:"source_ref"    json:"source_ref"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	State        JobState   `db:"state"         json:"state"`
	Attempt      int        `db:"attempt"       json:"attempt"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	FinishedAt   *time.Time `db:"finished_at"   json:"finished_at,omitempty"`
	ResultMarker *string    `db:"result_marker" json:"result_marker,omitempty"`
	LastError    *string    `db:"last_error"    json:"last_error,omitempty"`
}

// Duration returns the processing time of a finished job, and false when the
// timestamps are missing or inconsistent.
func (j *Job) Duration() (time.Duration, bool) {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0, false
	}
	d := j.FinishedAt.Sub(*j.StartedAt)
	if d < 0 {
		return 0, false
	}
	return d, true
}
