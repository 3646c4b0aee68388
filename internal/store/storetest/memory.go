// Package storetest provides an in-memory store.Store for tests of packages
// that sit above the database.
package storetest

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chartqueue/internal/store"
	"github.com/kiranshivaraju/chartqueue/pkg/models"
)

// Memory is a concurrency-safe in-memory store.Store. Its conditional updates
// are atomic under one mutex, matching the guarantees of the Postgres store.
type Memory struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*models.Job
	analyses map[string]map[string]*models.UserAnalysis
	styles   map[string]models.TradeStyle

	// Err, when set, is returned by every method.
	Err error
	// BeforeClaim runs before ClaimJob takes the lock. Tests use it to let a
	// competing claimer win between the count and the claim.
	BeforeClaim func(id uuid.UUID)
	// OnDelete runs inside DeleteDoneJobsExcept; a non-nil return fails the call.
	OnDelete func(userID string) error
}

var _ store.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[uuid.UUID]*models.Job),
		analyses: make(map[string]map[string]*models.UserAnalysis),
		styles:   make(map[string]models.TradeStyle),
	}
}

// Put stores a copy of job as-is, overwriting any existing row.
func (m *Memory) Put(job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = cloneJob(job)
}

// Jobs returns copies of all jobs for userID ordered by creation.
func (m *Memory) Jobs(userID string) []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filterLocked(func(j *models.Job) bool { return j.UserID == userID })
	sortByCreated(out)
	for i, j := range out {
		out[i] = cloneJob(j)
	}
	return out
}

func (m *Memory) Ping(_ context.Context) error {
	return m.Err
}

func (m *Memory) InsertJob(_ context.Context, job *models.Job) (bool, error) {
	if m.Err != nil {
		return false, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return false, nil
	}
	m.jobs[job.ID] = cloneJob(job)
	return true, nil
}

func (m *Memory) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) OldestJob(_ context.Context, userID string, state models.JobState) (*models.Job, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := m.filterLocked(func(j *models.Job) bool {
		return j.UserID == userID && j.State == state
	})
	if len(jobs) == 0 {
		return nil, store.ErrNotFound
	}
	sortByCreated(jobs)
	return cloneJob(jobs[0]), nil
}

func (m *Memory) RecentFinishedJobs(_ context.Context, userID string, state models.JobState, limit int) ([]*models.Job, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := m.filterLocked(func(j *models.Job) bool {
		return j.UserID == userID && j.State == state &&
			j.StartedAt != nil && j.FinishedAt != nil && !j.FinishedAt.Before(*j.StartedAt)
	})
	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].FinishedAt.After(*jobs[b].FinishedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	for i, j := range jobs {
		jobs[i] = cloneJob(j)
	}
	return jobs, nil
}

func (m *Memory) CountJobs(_ context.Context, f store.JobFilter) (int, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filterLocked(func(j *models.Job) bool {
		if f.UserID != "" && j.UserID != f.UserID {
			return false
		}
		if len(f.States) > 0 && !slices.Contains(f.States, j.State) {
			return false
		}
		if f.CreatedAtOrBefore != nil && j.CreatedAt.After(*f.CreatedAtOrBefore) {
			return false
		}
		return true
	})), nil
}

func (m *Memory) ClaimJob(_ context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	if m.BeforeClaim != nil {
		m.BeforeClaim(id)
	}
	if m.Err != nil {
		return false, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.State != models.JobQueued {
		return false, nil
	}
	for _, other := range m.jobs {
		if other.UserID == j.UserID && other.State == models.JobProcessing {
			return false, nil
		}
	}
	store.ApplyJobUpdate(j, models.JobProcessing, store.WithStartedAt(startedAt), store.WithLastError(""))
	return true, nil
}

func (m *Memory) TransitionJob(_ context.Context, id uuid.UUID, from []models.JobState, to models.JobState, opts ...store.JobUpdateOption) (bool, error) {
	if m.Err != nil {
		return false, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	if len(from) > 0 && !slices.Contains(from, j.State) {
		return false, nil
	}
	if to == models.JobProcessing && j.State != models.JobProcessing {
		for _, other := range m.jobs {
			if other.ID != id && other.UserID == j.UserID && other.State == models.JobProcessing {
				return false, nil
			}
		}
	}
	store.ApplyJobUpdate(j, to, opts...)
	return true, nil
}

func (m *Memory) DeleteDoneJobsExcept(_ context.Context, userID string, keep int) (int64, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	if m.OnDelete != nil {
		if err := m.OnDelete(userID); err != nil {
			return 0, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	done := m.filterLocked(func(j *models.Job) bool {
		return j.UserID == userID && j.State == models.JobDone
	})
	sort.Slice(done, func(a, b int) bool {
		fa, fb := done[a].FinishedAt, done[b].FinishedAt
		switch {
		case fa == nil && fb == nil:
		case fa == nil:
			return false
		case fb == nil:
			return true
		case !fa.Equal(*fb):
			return fa.After(*fb)
		}
		return bytes.Compare(done[a].ID[:], done[b].ID[:]) < 0
	})
	var removed int64
	for i, j := range done {
		if i < keep {
			continue
		}
		delete(m.jobs, j.ID)
		removed++
	}
	return removed, nil
}

func (m *Memory) PendingUsers(_ context.Context, limit int) ([]string, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	queued := m.filterLocked(func(j *models.Job) bool { return j.State == models.JobQueued })
	sortByCreated(queued)
	var users []string
	for _, j := range queued {
		if !slices.Contains(users, j.UserID) {
			users = append(users, j.UserID)
		}
		if len(users) == limit {
			break
		}
	}
	return users, nil
}

func (m *Memory) StaleProcessingJobs(_ context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stale := m.filterLocked(func(j *models.Job) bool {
		return j.State == models.JobProcessing && j.StartedAt != nil && j.StartedAt.Before(cutoff)
	})
	sort.Slice(stale, func(a, b int) bool {
		if !stale[a].StartedAt.Equal(*stale[b].StartedAt) {
			return stale[a].StartedAt.Before(*stale[b].StartedAt)
		}
		return bytes.Compare(stale[a].ID[:], stale[b].ID[:]) < 0
	})
	if len(stale) > limit {
		stale = stale[:limit]
	}
	for i, j := range stale {
		stale[i] = cloneJob(j)
	}
	return stale, nil
}

func (m *Memory) SaveAnalysis(_ context.Context, a *models.UserAnalysis) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byTF, ok := m.analyses[a.UserID]
	if !ok {
		byTF = make(map[string]*models.UserAnalysis)
		m.analyses[a.UserID] = byTF
	}
	cp := *a
	byTF[a.Timeframe] = &cp
	return nil
}

func (m *Memory) ListAnalyses(_ context.Context, userID string) ([]*models.UserAnalysis, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.UserAnalysis
	for _, a := range m.analyses[userID] {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnalyzedAt.After(out[j].AnalyzedAt) })
	return out, nil
}

func (m *Memory) DeleteAnalysis(_ context.Context, userID, timeframe string) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.analyses[userID][timeframe]; !ok {
		return store.ErrNotFound
	}
	delete(m.analyses[userID], timeframe)
	return nil
}

func (m *Memory) MoveAnalysis(_ context.Context, userID, from, to string) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[userID][from]
	if !ok {
		return store.ErrNotFound
	}
	cp := *a
	cp.Timeframe = to
	delete(m.analyses[userID], from)
	m.analyses[userID][to] = &cp
	return nil
}

func (m *Memory) SetTradeStyle(_ context.Context, userID string, style models.TradeStyle) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.styles[userID] = style
	return nil
}

func (m *Memory) TradeStyle(_ context.Context, userID string) (models.TradeStyle, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.styles[userID], nil
}

func (m *Memory) filterLocked(keep func(*models.Job) bool) []*models.Job {
	var out []*models.Job
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	return out
}

func sortByCreated(jobs []*models.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return bytes.Compare(jobs[a].ID[:], jobs[b].ID[:]) < 0
	})
}

func cloneJob(j *models.Job) *models.Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	if j.ResultMarker != nil {
		s := *j.ResultMarker
		cp.ResultMarker = &s
	}
	if j.LastError != nil {
		s := *j.LastError
		cp.LastError = &s
	}
	return &cp
}
