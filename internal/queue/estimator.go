package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chartqueue/internal/store"
	"github.com/kiranshivaraju/chartqueue/pkg/models"
)

const (
	estimateSamples = 5
	minEstimate     = 15 * time.Second
	maxEstimate     = 180 * time.Second
	minFallback     = 10 * time.Second
)

// Snapshot is a point-in-time view of one user's pending work.
type Snapshot struct {
	QueuedCount     int
	ProcessingCount int
	TotalPending    int
	// Processing is the job in flight, if any, and ProcessingRank its 1-based position.
	Processing     *models.Job
	ProcessingRank int
	// Rank is the queried job's 1-based position among pending jobs; nil when unknown.
	Rank *int
}

// EstimateDuration returns the expected processing time of one image for the user:
// the mean of the most recent completed jobs, clamped to [15s, 180s]. Without
// samples, or when the store fails, it returns the configured fallback.
func (m *Manager) EstimateDuration(ctx context.Context, userID string) time.Duration {
	jobs, err := m.store.RecentFinishedJobs(ctx, userID, models.JobDone, estimateSamples)
	if err != nil {
		slog.Warn("duration estimate unavailable, using default", "user_id", userID, "error", err)
		m.estimateFellBack()
		return m.fallback
	}

	var total time.Duration
	var n int
	for _, j := range jobs {
		d, ok := j.Duration()
		if !ok {
			continue
		}
		total += d
		n++
	}
	if n == 0 {
		m.estimateFellBack()
		return m.fallback
	}

	mean := total / time.Duration(n)
	return min(max(mean, minEstimate), maxEstimate)
}

// ProgressSnapshot counts the user's pending jobs and locates jobID among them.
// When createdAt is nil it is looked up by jobID; a job that cannot be found
// leaves Rank nil instead of failing.
func (m *Manager) ProgressSnapshot(ctx context.Context, userID string, jobID uuid.UUID, createdAt *time.Time) (*Snapshot, error) {
	queued, err := m.store.CountJobs(ctx, store.JobFilter{
		UserID: userID, States: []models.JobState{models.JobQueued},
	})
	if err != nil {
		return nil, fmt.Errorf("count queued jobs: %w", err)
	}
	processing, err := m.store.CountJobs(ctx, store.JobFilter{
		UserID: userID, States: []models.JobState{models.JobProcessing},
	})
	if err != nil {
		return nil, fmt.Errorf("count processing jobs: %w", err)
	}
	pending, err := m.store.CountJobs(ctx, store.JobFilter{
		UserID: userID, States: models.PendingStates,
	})
	if err != nil {
		return nil, fmt.Errorf("count pending jobs: %w", err)
	}

	snap := &Snapshot{
		QueuedCount:     queued,
		ProcessingCount: processing,
		TotalPending:    pending,
	}

	current, err := m.store.OldestJob(ctx, userID, models.JobProcessing)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load processing job: %w", err)
	default:
		snap.Processing = current
		rank, err := m.pendingRank(ctx, userID, current.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("rank processing job: %w", err)
		}
		snap.ProcessingRank = max(rank, 1)
	}

	snap.Rank = m.jobRank(ctx, userID, jobID, createdAt)
	return snap, nil
}

// jobRank degrades to nil on any lookup failure; status reporting must still render.
func (m *Manager) jobRank(ctx context.Context, userID string, jobID uuid.UUID, createdAt *time.Time) *int {
	if createdAt == nil {
		if jobID == uuid.Nil {
			return nil
		}
		job, err := m.store.GetJob(ctx, jobID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Warn("rank lookup failed", "job_id", jobID, "error", err)
			}
			return nil
		}
		createdAt = &job.CreatedAt
	}

	rank, err := m.pendingRank(ctx, userID, *createdAt)
	if err != nil {
		slog.Warn("rank count failed", "job_id", jobID, "error", err)
		return nil
	}
	return &rank
}

// pendingRank counts pending jobs created at or before createdAt. Jobs sharing a
// timestamp count each other.
func (m *Manager) pendingRank(ctx context.Context, userID string, createdAt time.Time) (int, error) {
	return m.store.CountJobs(ctx, store.JobFilter{
		UserID:            userID,
		States:            models.PendingStates,
		CreatedAtOrBefore: &createdAt,
	})
}

func (m *Manager) estimateFellBack() {
	if m.metrics != nil {
		m.metrics.EstimateFallbacks.Inc()
	}
}

// fallbackDuration converts the configured seconds-per-image default, floored at 10s.
func fallbackDuration(seconds float64) time.Duration {
	d := time.Duration(seconds * float64(time.Second))
	return max(d, minFallback)
}
