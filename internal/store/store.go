package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chartqueue/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// ErrUnavailable wraps every failure to reach or query the database.
var ErrUnavailable = errors.New("store unavailable")

// JobStore is the data access interface for analysis jobs. Every queue decision
// goes through here; nothing is cached between calls.
type JobStore interface {
	Ping(ctx context.Context) error

	// InsertJob inserts job unless a row with the same ID exists. It reports whether a row was written.
	InsertJob(ctx context.Context, job *models.Job) (bool, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// OldestJob returns the earliest-created job in state for the user, ties broken by ID.
	OldestJob(ctx context.Context, userID string, state models.JobState) (*models.Job, error)
	// RecentFinishedJobs returns up to limit jobs in state, most recently finished first.
	RecentFinishedJobs(ctx context.Context, userID string, state models.JobState, limit int) ([]*models.Job, error)
	CountJobs(ctx context.Context, filter JobFilter) (int, error)

	// ClaimJob moves a queued job to processing. It returns false when the job is no
	// longer queued or the user already has a processing job.
	ClaimJob(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error)
	// TransitionJob sets the job state to `to` only if its current state is one of `from`.
	TransitionJob(ctx context.Context, id uuid.UUID, from []models.JobState, to models.JobState, opts ...JobUpdateOption) (bool, error)
	// DeleteDoneJobsExcept removes all done jobs of the user except the keep most recently finished.
	DeleteDoneJobsExcept(ctx context.Context, userID string, keep int) (int64, error)
	// PendingUsers lists distinct users that have queued jobs, oldest work first.
	PendingUsers(ctx context.Context, limit int) ([]string, error)
	// StaleProcessingJobs returns up to limit processing jobs started before cutoff, oldest first.
	StaleProcessingJobs(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error)
}

// AnalysisStore keeps the latest chart analysis per user and timeframe.
type AnalysisStore interface {
	SaveAnalysis(ctx context.Context, a *models.UserAnalysis) error
	ListAnalyses(ctx context.Context, userID string) ([]*models.UserAnalysis, error)
	DeleteAnalysis(ctx context.Context, userID, timeframe string) error
	// MoveAnalysis relabels the analysis stored under from as to, replacing any
	// analysis already stored under to. It returns ErrNotFound when from is empty.
	MoveAnalysis(ctx context.Context, userID, from, to string) error
}

// PreferenceStore keeps per-user settings that shape analysis.
type PreferenceStore interface {
	SetTradeStyle(ctx context.Context, userID string, style models.TradeStyle) error
	// TradeStyle returns the user's style, or "" when none is set.
	TradeStyle(ctx context.Context, userID string) (models.TradeStyle, error)
}

// Store is everything the server needs from the database.
type Store interface {
	JobStore
	AnalysisStore
	PreferenceStore
}

// JobFilter narrows CountJobs. Zero fields do not filter.
type JobFilter struct {
	UserID            string
	States            []models.JobState
	CreatedAtOrBefore *time.Time
}

type jobUpdateParams struct {
	Attempt        *int
	StartedAt      *time.Time
	ClearStartedAt bool
	FinishedAt     *time.Time
	ResultMarker   *string
	LastError      *string
	ClearLastError bool
}

type JobUpdateOption func(*jobUpdateParams)

func WithAttempt(n int) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Attempt = &n
	}
}

func WithStartedAt(t time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.StartedAt = &t
		p.ClearStartedAt = false
	}
}

func WithoutStartedAt() JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.StartedAt = nil
		p.ClearStartedAt = true
	}
}

func WithFinishedAt(t time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.FinishedAt = &t
	}
}

func WithResultMarker(marker string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ResultMarker = &marker
	}
}

// WithLastError records msg as the job's last error; an empty msg clears it.
func WithLastError(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		if msg == "" {
			p.LastError = nil
			p.ClearLastError = true
			return
		}
		p.LastError = &msg
		p.ClearLastError = false
	}
}

// ApplyJobUpdate applies opts to job in memory, mirroring what TransitionJob writes.
// Store implementations without SQL use it to stay consistent with PostgresStore.
func ApplyJobUpdate(job *models.Job, to models.JobState, opts ...JobUpdateOption) {
	var p jobUpdateParams
	for _, opt := range opts {
		opt(&p)
	}
	job.State = to
	if p.Attempt != nil {
		job.Attempt = *p.Attempt
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		job.StartedAt = &t
	}
	if p.ClearStartedAt {
		job.StartedAt = nil
	}
	if p.FinishedAt != nil {
		t := *p.FinishedAt
		job.FinishedAt = &t
	}
	if p.ResultMarker != nil {
		m := *p.ResultMarker
		job.ResultMarker = &m
	}
	if p.LastError != nil {
		e := *p.LastError
		job.LastError = &e
	}
	if p.ClearLastError {
		job.LastError = nil
	}
}
