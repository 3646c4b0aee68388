package queue

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StatusReport is a user's queue position and ETA, ready for rendering.
// Offsets are in seconds. Rank and the ETA fields are nil when the job's
// position is unknown.
type StatusReport struct {
	QueuedCount     int              `json:"queued_count"`
	ProcessingCount int              `json:"processing_count"`
	TotalPending    int              `json:"total_pending"`
	Processing      *ProcessingEntry `json:"processing,omitempty"`
	PerImageSeconds float64          `json:"per_image_seconds"`
	Rank            *int             `json:"rank,omitempty"`
	OutOf           int              `json:"out_of"`
	ETAStartSeconds *float64         `json:"eta_start_seconds,omitempty"`
	ETADoneSeconds  *float64         `json:"eta_done_seconds,omitempty"`
}

// ProcessingEntry describes the job currently in flight.
type ProcessingEntry struct {
	JobID     uuid.UUID `json:"job_id"`
	SourceRef string    `json:"source_ref"`
	Rank      int       `json:"rank"`
}

// BuildStatusReport combines the duration estimate with a progress snapshot. It
// never mutates the store and is safe to poll. An error means the store could
// not be read at all; sparse history never fails the report.
func (m *Manager) BuildStatusReport(ctx context.Context, userID string, jobID uuid.UUID, createdAt *time.Time) (*StatusReport, error) {
	perImage := m.EstimateDuration(ctx, userID)
	snap, err := m.ProgressSnapshot(ctx, userID, jobID, createdAt)
	if err != nil {
		return nil, fmt.Errorf("build status report: %w", err)
	}
	return newStatusReport(snap, perImage), nil
}

func newStatusReport(snap *Snapshot, perImage time.Duration) *StatusReport {
	per := perImage.Seconds()
	total := snap.TotalPending
	if total == 0 {
		total = snap.QueuedCount + snap.ProcessingCount
	}
	if total == 0 {
		total = 1
	}

	r := &StatusReport{
		QueuedCount:     snap.QueuedCount,
		ProcessingCount: snap.ProcessingCount,
		TotalPending:    snap.TotalPending,
		PerImageSeconds: per,
		OutOf:           total,
	}
	if snap.Processing != nil {
		r.Processing = &ProcessingEntry{
			JobID:     snap.Processing.ID,
			SourceRef: snap.Processing.SourceRef,
			Rank:      max(snap.ProcessingRank, 1),
		}
	}
	if snap.Rank != nil && *snap.Rank > 0 {
		rank := *snap.Rank
		start := math.Max(0, float64(rank-1)*per)
		done := math.Max(0, float64(rank)*per)
		r.Rank = &rank
		r.OutOf = max(total, rank)
		r.ETAStartSeconds = &start
		r.ETADoneSeconds = &done
	}
	return r
}

// Text renders the report as the chat message shown to the submitting user.
func (r *StatusReport) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "📥 Queue: %d waiting (including this one) | %d processing\n", r.QueuedCount, r.ProcessingCount)

	if r.Processing != nil {
		fmt.Fprintf(&b, "⚙️ Now processing: image %d/%d (ID …%s)\n", r.Processing.Rank, r.OutOf, shortRef(r.Processing.SourceRef))
	} else {
		b.WriteString("⚙️ Now processing: nothing yet (starting the queue)\n")
	}

	fmt.Fprintf(&b, "🧮 Estimate: ~%s per image", FormatSeconds(r.PerImageSeconds))

	if r.Rank != nil {
		fmt.Fprintf(&b, "\n📌 This image is %d/%d in line", *r.Rank, r.OutOf)
		fmt.Fprintf(&b, "\n⏱️ Starts in ~%s | done in ~%s", FormatSeconds(*r.ETAStartSeconds), FormatSeconds(*r.ETADoneSeconds))
	}
	return b.String()
}

// FormatSeconds renders a duration in seconds as "42 sec", "3 min" or "1 hr 5 min".
func FormatSeconds(seconds float64) string {
	s := int(math.Round(math.Max(0, seconds)))
	if s < 60 {
		return fmt.Sprintf("%d sec", s)
	}
	mins := int(math.Round(float64(s) / 60))
	if mins < 60 {
		return fmt.Sprintf("%d min", mins)
	}
	hours, rem := mins/60, mins%60
	if rem == 0 {
		return fmt.Sprintf("%d hr", hours)
	}
	return fmt.Sprintf("%d hr %d min", hours, rem)
}

func shortRef(ref string) string {
	if ref == "" {
		return "??????"
	}
	if len(ref) <= 6 {
		return ref
	}
	return ref[len(ref)-6:]
}
