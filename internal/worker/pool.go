// Package worker drains per-user analysis queues: it claims jobs, downloads the
// chart from LINE, runs the analyzer, and records the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chartqueue/internal/line"
	"github.com/kiranshivaraju/chartqueue/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency  = 4
	defaultPollInterval = 5 * time.Second
	defaultMaxAttempts  = 3
	defaultScanLimit    = 100
	defaultStaleAfter   = 15 * time.Minute
	// transitionTimeout bounds state writes that must land after shutdown begins.
	transitionTimeout = 10 * time.Second

	staleJobError = "worker stopped reporting: job exceeded the processing deadline"
)

// JobQueue is the subset of queue.Manager the pool drives.
type JobQueue interface {
	ClaimNext(ctx context.Context, userID string) (*models.Job, error)
	MarkDone(ctx context.Context, jobID uuid.UUID, resultMarker string) error
	MarkError(ctx context.Context, jobID uuid.UUID, errorMessage string) error
	Requeue(ctx context.Context, jobID uuid.UUID, attempt int, lastError string) error
}

// ChartAnalyzer analyzes one chart image for a user and stores the result.
type ChartAnalyzer interface {
	AnalyzeChart(ctx context.Context, userID string, image []byte, mediaType string) (*models.UserAnalysis, error)
}

// WorkFinder locates work the pool must act on without a kick: users with
// queued jobs, and jobs stuck in processing.
type WorkFinder interface {
	PendingUsers(ctx context.Context, limit int) ([]string, error)
	StaleProcessingJobs(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error)
}

// Messenger fetches submitted content and notifies users.
type Messenger interface {
	Content(ctx context.Context, messageID string) (*line.Content, error)
	Push(ctx context.Context, userID, text string) error
}

// Options configures a Pool. Zero values select defaults.
type Options struct {
	Concurrency  int
	PollInterval time.Duration
	MaxAttempts  int
	ScanLimit    int
	// StaleAfter is how long a job may stay processing before the pool treats
	// its worker as dead. It must exceed the longest legitimate job.
	StaleAfter time.Duration
	Metrics    *Metrics
}

// Pool runs a fixed number of goroutines, each draining one user at a time.
// Within the process a user is drained by at most one goroutine; across
// processes, exclusion comes from the queue's claim.
type Pool struct {
	queue     JobQueue
	analyzer  ChartAnalyzer
	finder    WorkFinder
	messenger Messenger
	metrics   *Metrics
	now       func() time.Time

	concurrency  int
	pollInterval time.Duration
	maxAttempts  int
	scanLimit    int
	staleAfter   time.Duration

	kicks chan string

	mu sync.Mutex
	// busy holds users being drained; true means more work arrived meanwhile.
	busy map[string]bool
}

// NewPool creates a Pool. Call Run to start it.
func NewPool(q JobQueue, analyzer ChartAnalyzer, finder WorkFinder, messenger Messenger, opts Options) *Pool {
	p := &Pool{
		queue:        q,
		analyzer:     analyzer,
		finder:       finder,
		messenger:    messenger,
		metrics:      opts.Metrics,
		now:          time.Now,
		concurrency:  opts.Concurrency,
		pollInterval: opts.PollInterval,
		maxAttempts:  opts.MaxAttempts,
		scanLimit:    opts.ScanLimit,
		staleAfter:   opts.StaleAfter,
		busy:         make(map[string]bool),
	}
	if p.concurrency < 1 {
		p.concurrency = defaultConcurrency
	}
	if p.pollInterval <= 0 {
		p.pollInterval = defaultPollInterval
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = defaultMaxAttempts
	}
	if p.scanLimit < 1 {
		p.scanLimit = defaultScanLimit
	}
	if p.staleAfter <= 0 {
		p.staleAfter = defaultStaleAfter
	}
	p.kicks = make(chan string, p.concurrency*16)
	return p
}

// Kick asks the pool to drain userID soon. It never blocks; when the kick
// buffer is full the next poll picks the user up instead.
func (p *Pool) Kick(userID string) {
	select {
	case p.kicks <- userID:
	default:
		slog.Debug("kick dropped, relying on poll", "user_id", userID)
	}
}

// Run processes work until ctx is cancelled, then waits for in-flight jobs.
func (p *Pool) Run(ctx context.Context) error {
	work := make(chan string)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			for userID := range work {
				p.drainUser(gctx, userID)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(work)
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()

		dispatch := func(userID string) bool {
			if !p.acquire(userID) {
				return true
			}
			select {
			case work <- userID:
				return true
			case <-gctx.Done():
				p.forget(userID)
				return false
			}
		}

		p.scan(gctx, dispatch)
		for {
			select {
			case <-gctx.Done():
				return nil
			case userID := <-p.kicks:
				if !dispatch(userID) {
					return nil
				}
			case <-ticker.C:
				p.scan(gctx, dispatch)
			}
		}
	})

	slog.Info("worker pool started", "concurrency", p.concurrency, "poll_interval", p.pollInterval)
	err := g.Wait()
	slog.Info("worker pool stopped")
	return err
}

// scan resolves stale processing jobs, then dispatches every user with queued
// jobs. Together they recover work whose kick was lost and work left behind by
// a crashed instance.
func (p *Pool) scan(ctx context.Context, dispatch func(string) bool) {
	p.recoverStale(ctx)

	users, err := p.finder.PendingUsers(ctx, p.scanLimit)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("pending user scan failed", "error", err)
		}
		return
	}
	for _, u := range users {
		if !dispatch(u) {
			return
		}
	}
}

// recoverStale resolves jobs that have been processing longer than staleAfter.
// A user drained by this process is skipped: its job is still running here.
func (p *Pool) recoverStale(ctx context.Context) {
	jobs, err := p.finder.StaleProcessingJobs(ctx, p.now().Add(-p.staleAfter), p.scanLimit)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("stale job scan failed", "error", err)
		}
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if !p.acquire(job.UserID) {
			continue
		}
		p.resolveStale(ctx, job)
		p.forget(job.UserID)
	}
}

// resolveStale applies the retry policy to a job whose worker never reported
// an outcome. The lost run counts as an attempt.
func (p *Pool) resolveStale(ctx context.Context, job *models.Job) {
	tctx, cancel := transitionContext(ctx)
	defer cancel()
	log := slog.With("job_id", job.ID, "user_id", job.UserID, "attempt", job.Attempt, "started_at", job.StartedAt)

	next := job.Attempt + 1
	if next < p.maxAttempts {
		log.Warn("requeueing stale job", "next_attempt", next)
		if err := p.queue.Requeue(tctx, job.ID, next, staleJobError); err != nil {
			log.Error("requeue stale job failed", "error", err)
			return
		}
		p.countRecovered(recoveredRequeued)
		return
	}

	log.Error("stale job failed permanently")
	if err := p.queue.MarkError(tctx, job.ID, staleJobError); err != nil {
		log.Error("mark stale job error failed", "error", err)
		return
	}
	p.countRecovered(recoveredFailed)
	p.notify(tctx, job.UserID, failureText(next))
}

// acquire marks userID busy. If it already is, it records that more work
// arrived and returns false.
func (p *Pool) acquire(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.busy[userID]; ok {
		p.busy[userID] = true
		return false
	}
	p.busy[userID] = false
	return true
}

// release clears userID, unless work arrived during the drain, in which case
// it keeps the user busy and returns true.
func (p *Pool) release(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy[userID] {
		p.busy[userID] = false
		return true
	}
	delete(p.busy, userID)
	return false
}

func (p *Pool) forget(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.busy, userID)
}

func (p *Pool) drainUser(ctx context.Context, userID string) {
	for {
		p.drainOnce(ctx, userID)
		if ctx.Err() != nil {
			p.forget(userID)
			return
		}
		if !p.release(userID) {
			return
		}
	}
}

// drainOnce processes the user's jobs until none is claimable.
func (p *Pool) drainOnce(ctx context.Context, userID string) {
	for ctx.Err() == nil {
		job, err := p.queue.ClaimNext(ctx, userID)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("claim failed", "user_id", userID, "error", err)
			}
			return
		}
		if job == nil {
			return
		}
		p.process(ctx, job)
	}
}

// process runs one claimed job to a terminal or requeued state.
func (p *Pool) process(ctx context.Context, job *models.Job) {
	start := time.Now()
	log := slog.With("job_id", job.ID, "user_id", job.UserID, "attempt", job.Attempt)

	analysis, err := p.analyze(ctx, job)
	if err != nil {
		outcome := p.fail(ctx, job, err, log)
		p.observe(outcome, time.Since(start))
		return
	}

	tctx, cancel := transitionContext(ctx)
	defer cancel()
	if err := p.queue.MarkDone(tctx, job.ID, analysis.Timeframe); err != nil {
		log.Error("mark done failed", "error", err)
	}
	p.observe(outcomeDone, time.Since(start))
	log.Info("job done", "timeframe", analysis.Timeframe, "duration", time.Since(start))

	p.notify(tctx, job.UserID, resultText(analysis))
}

func (p *Pool) analyze(ctx context.Context, job *models.Job) (a *models.UserAnalysis, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	content, err := p.messenger.Content(ctx, job.SourceRef)
	if err != nil {
		return nil, fmt.Errorf("fetching content: %w", err)
	}
	return p.analyzer.AnalyzeChart(ctx, job.UserID, content.Data, content.ContentType)
}

func (p *Pool) fail(ctx context.Context, job *models.Job, cause error, log *slog.Logger) string {
	tctx, cancel := transitionContext(ctx)
	defer cancel()

	// Interrupted by shutdown: hand the job back without spending an attempt.
	if ctx.Err() != nil {
		if err := p.queue.Requeue(tctx, job.ID, job.Attempt, "interrupted by shutdown"); err != nil {
			log.Error("requeue after shutdown failed", "error", err)
		}
		return outcomeInterrupted
	}

	next := job.Attempt + 1
	if next < p.maxAttempts && !permanent(cause) {
		log.Warn("job failed, requeueing", "error", cause, "next_attempt", next)
		if err := p.queue.Requeue(tctx, job.ID, next, cause.Error()); err != nil {
			log.Error("requeue failed", "error", err)
		}
		return outcomeRetried
	}

	log.Error("job failed permanently", "error", cause)
	if err := p.queue.MarkError(tctx, job.ID, cause.Error()); err != nil {
		log.Error("mark error failed", "error", err)
	}
	p.notify(tctx, job.UserID, failureText(next))
	return outcomeFailed
}

// notify pushes text to the user. Delivery failures never change job state.
func (p *Pool) notify(ctx context.Context, userID, text string) {
	if err := p.messenger.Push(ctx, userID, text); err != nil {
		slog.Warn("push failed", "user_id", userID, "error", err)
	}
}

func (p *Pool) countRecovered(result string) {
	if p.metrics != nil {
		p.metrics.Recovered.WithLabelValues(result).Inc()
	}
}

func (p *Pool) observe(outcome string, d time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.Processed.WithLabelValues(outcome).Inc()
	p.metrics.Duration.Observe(d.Seconds())
}

// permanent reports failures that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, line.ErrLINERequest)
}

func transitionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), transitionTimeout)
}

func resultText(a *models.UserAnalysis) string {
	text := fmt.Sprintf("✅ Chart analyzed (%s)", a.Timeframe)
	if a.Summary != "" {
		text += "\n" + a.Summary
	}
	return text
}

func failureText(attempts int) string {
	return fmt.Sprintf("❌ Could not analyze your chart after %d attempt(s). Please send it again.", attempts)
}
