package queue

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// PruneDoneHistory deletes the user's done jobs except the keep most recently
// finished. Queued, processing and errored jobs are never touched. Failures are
// logged and counted, never returned: pruning is housekeeping.
func (m *Manager) PruneDoneHistory(ctx context.Context, userID string, keep int) {
	if keep < 1 {
		keep = 1
	}
	removed, err := m.store.DeleteDoneJobsExcept(ctx, userID, keep)
	if err != nil {
		m.pruneFailed()
		slog.Warn("prune done history failed", "user_id", userID, "error", err)
		return
	}
	if removed > 0 {
		if m.metrics != nil {
			m.metrics.Pruned.Add(float64(removed))
		}
		slog.Debug("pruned done history", "user_id", userID, "removed", removed, "keep", keep)
	}
}

// schedulePrune prunes the owner of jobID off the completion path. The work
// outlives ctx cancellation but is bounded by its own timeout.
func (m *Manager) schedulePrune(ctx context.Context, jobID uuid.UUID) {
	m.maintenance.Add(1)
	go func() {
		defer m.maintenance.Done()
		defer func() {
			if r := recover(); r != nil {
				m.pruneFailed()
				slog.Error("panic in prune", "error", r, "job_id", jobID)
			}
		}()

		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultMaintenanceTimeout)
		defer cancel()

		job, err := m.store.GetJob(pctx, jobID)
		if err != nil {
			m.pruneFailed()
			slog.Warn("prune skipped: cannot load job", "job_id", jobID, "error", err)
			return
		}
		m.PruneDoneHistory(pctx, job.UserID, m.historyKeep)
	}()
}

func (m *Manager) pruneFailed() {
	if m.metrics != nil {
		m.metrics.PruneFailures.Inc()
	}
}
