// Package queue implements the per-user FIFO job queue: job lifecycle, the
// race-safe claim protocol, duration estimation, status reports, and history pruning.
//
// The store is the only shared state. Each user has at most one processing job,
// enforced by the store's conditional claim rather than any in-process lock.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chartqueue/internal/store"
	"github.com/kiranshivaraju/chartqueue/pkg/models"
)

const (
	// MaxErrorLength bounds stored error messages, in characters.
	MaxErrorLength = 800

	DefaultHistoryKeep        = 5
	DefaultSecondsPerImage    = 45.0
	defaultIDBucket           = 24 * time.Hour
	defaultMaintenanceTimeout = 10 * time.Second
)

var ErrInvalidArgument = errors.New("invalid argument")

// Options configures a Manager. Zero values select defaults.
type Options struct {
	IDBucket           time.Duration
	HistoryKeep        int
	EstSecondsPerImage float64
	Metrics            *Metrics
	Now                func() time.Time
}

// Manager owns the job state machine. It is safe for concurrent use.
type Manager struct {
	store       store.JobStore
	metrics     *Metrics
	now         func() time.Time
	idBucket    time.Duration
	historyKeep int
	fallback    time.Duration

	maintenance sync.WaitGroup
}

// Ticket identifies an enqueued job.
type Ticket struct {
	JobID     uuid.UUID `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
	Duplicate bool      `json:"duplicate"`
}

// NewManager creates a Manager backed by st.
func NewManager(st store.JobStore, opts Options) *Manager {
	m := &Manager{
		store:       st,
		metrics:     opts.Metrics,
		now:         opts.Now,
		idBucket:    opts.IDBucket,
		historyKeep: opts.HistoryKeep,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.idBucket <= 0 {
		m.idBucket = defaultIDBucket
	}
	if m.historyKeep < 1 {
		m.historyKeep = DefaultHistoryKeep
	}
	secs := opts.EstSecondsPerImage
	if secs == 0 {
		secs = DefaultSecondsPerImage
	}
	m.fallback = fallbackDuration(secs)
	return m
}

// Enqueue records a new queued job for userID. Submitting the same source again
// within the ID bucket is a no-op that returns the existing job.
func (m *Manager) Enqueue(ctx context.Context, userID, sourceRef string) (*Ticket, error) {
	if userID == "" || sourceRef == "" {
		return nil, fmt.Errorf("%w: user and source reference are required", ErrInvalidArgument)
	}

	now := m.timestamp()
	job := &models.Job{
		ID:        DeriveJobID(userID, sourceRef, now, m.idBucket),
		UserID:    userID,
		SourceRef: sourceRef,
		CreatedAt: now,
		State:     models.JobQueued,
	}

	inserted, err := m.store.InsertJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	if inserted {
		m.countEnqueue("inserted")
		return &Ticket{JobID: job.ID, CreatedAt: job.CreatedAt}, nil
	}

	m.countEnqueue("duplicate")
	slog.Info("duplicate submission ignored", "job_id", job.ID, "user_id", userID)
	existing, err := m.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("load existing job: %w", err)
	}
	return &Ticket{JobID: existing.ID, CreatedAt: existing.CreatedAt, Duplicate: true}, nil
}

// ClaimNext moves the user's oldest queued job to processing and returns it.
// It returns nil without error when the user already has a job in flight, has
// nothing queued, or lost a race to a concurrent claimer; callers poll again later.
func (m *Manager) ClaimNext(ctx context.Context, userID string) (*models.Job, error) {
	inFlight, err := m.store.CountJobs(ctx, store.JobFilter{
		UserID: userID,
		States: []models.JobState{models.JobProcessing},
	})
	if err != nil {
		return nil, fmt.Errorf("count processing jobs: %w", err)
	}
	if inFlight > 0 {
		m.countClaim(claimBusy)
		return nil, nil
	}

	next, err := m.store.OldestJob(ctx, userID, models.JobQueued)
	if errors.Is(err, store.ErrNotFound) {
		m.countClaim(claimEmpty)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next job: %w", err)
	}

	startedAt := m.timestamp()
	claimed, err := m.store.ClaimJob(ctx, next.ID, startedAt)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		m.countClaim(claimRaceLost)
		slog.Debug("claim lost to concurrent worker", "job_id", next.ID, "user_id", userID)
		return nil, nil
	}

	m.countClaim(claimClaimed)
	next.State = models.JobProcessing
	next.StartedAt = &startedAt
	next.LastError = nil
	return next, nil
}

// MarkDone completes a processing job and prunes the user's done history in the
// background. Calling it for a job that is not processing is a logged no-op.
func (m *Manager) MarkDone(ctx context.Context, jobID uuid.UUID, resultMarker string) error {
	opts := []store.JobUpdateOption{store.WithFinishedAt(m.timestamp())}
	if resultMarker != "" {
		opts = append(opts, store.WithResultMarker(resultMarker))
	}

	applied, err := m.store.TransitionJob(ctx, jobID,
		[]models.JobState{models.JobProcessing}, models.JobDone, opts...)
	if err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}
	if !applied {
		slog.Warn("mark done ignored: job not processing", "job_id", jobID)
		return nil
	}
	m.countFinished(models.JobDone)

	m.schedulePrune(ctx, jobID)
	return nil
}

// MarkError fails a processing job terminally. It does not requeue.
func (m *Manager) MarkError(ctx context.Context, jobID uuid.UUID, errorMessage string) error {
	applied, err := m.store.TransitionJob(ctx, jobID,
		[]models.JobState{models.JobProcessing}, models.JobError,
		store.WithFinishedAt(m.timestamp()),
		store.WithLastError(truncateRunes(errorMessage, MaxErrorLength)),
	)
	if err != nil {
		return fmt.Errorf("mark job error: %w", err)
	}
	if !applied {
		slog.Warn("mark error ignored: job not processing", "job_id", jobID)
		return nil
	}
	m.countFinished(models.JobError)
	return nil
}

// Requeue returns a processing job to the queued state. Its created_at is kept,
// so it goes back to the head of the user's queue and is claimed next. The
// caller owns the retry policy and passes the already-incremented attempt count.
func (m *Manager) Requeue(ctx context.Context, jobID uuid.UUID, attempt int, lastError string) error {
	if attempt < 0 {
		return fmt.Errorf("%w: attempt must not be negative", ErrInvalidArgument)
	}
	applied, err := m.store.TransitionJob(ctx, jobID,
		[]models.JobState{models.JobProcessing}, models.JobQueued,
		store.WithAttempt(attempt),
		store.WithoutStartedAt(),
		store.WithLastError(truncateRunes(lastError, MaxErrorLength)),
	)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if !applied {
		slog.Warn("requeue ignored: job not processing", "job_id", jobID)
		return nil
	}
	m.countFinished(models.JobQueued)
	return nil
}

// Wait blocks until background maintenance started by MarkDone has finished.
func (m *Manager) Wait() {
	m.maintenance.Wait()
}

// timestamp returns the current time at the store's microsecond precision.
func (m *Manager) timestamp() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

func (m *Manager) countEnqueue(result string) {
	if m.metrics != nil {
		m.metrics.Enqueued.WithLabelValues(result).Inc()
	}
}

func (m *Manager) countClaim(outcome string) {
	if m.metrics != nil {
		m.metrics.Claims.WithLabelValues(outcome).Inc()
	}
}

func (m *Manager) countFinished(state models.JobState) {
	if m.metrics == nil {
		return
	}
	label := string(state)
	if state == models.JobQueued {
		label = "requeued"
	}
	m.metrics.Finished.WithLabelValues(label).Inc()
}

// truncateRunes truncates s to at most n characters without splitting UTF-8 runes.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
