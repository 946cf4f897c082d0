// Package cron drives periodic dashboard renders.
package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorhill/cronexpr"
	"github.com/robfig/cron/v3"

	"github.com/niski84/TRMNL-POWER/pkg/model"
	"github.com/niski84/TRMNL-POWER/pkg/pipeline"
)

// Renderer runs one render attempt
type Renderer interface {
	Render(ctx context.Context, trigger model.Trigger) (model.RenderStats, error)
}

// Pruner trims run history
type Pruner interface {
	Prune(ctx context.Context, retentionDays, maxRuns int) (int64, error)
}

// Scheduler fires renders on a cron spec and keeps going after failures
type Scheduler struct {
	renderer Renderer
	cron     *cron.Cron
	spec     string
	interval time.Duration
	baseCtx  context.Context
	logger   *log.Logger
	now      func() time.Time

	pruner        Pruner
	retentionDays int
	maxRuns       int

	mu      sync.RWMutex
	entryID cron.EntryID
	started bool
}

// Option customizes a Scheduler
type Option func(*Scheduler)

// WithPruner adds a daily history retention job
func WithPruner(p Pruner, retentionDays, maxRuns int) Option {
	return func(s *Scheduler) {
		s.pruner = p
		s.retentionDays = retentionDays
		s.maxRuns = maxRuns
	}
}

// WithClock overrides the time source used by NextRun
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler for spec. interval is the fallback
// cadence used when the spec cannot be evaluated.
func NewScheduler(renderer Renderer, spec string, interval time.Duration, logger *log.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		renderer: renderer,
		cron:     cron.New(),
		spec:     spec,
		interval: interval,
		baseCtx:  context.Background(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetContext sets the context handed to scheduled renders
func (s *Scheduler) SetContext(ctx context.Context) {
	s.baseCtx = ctx
}

// Start registers the jobs and starts the cron loop
func (s *Scheduler) Start() error {
	entryID, err := s.cron.AddFunc(s.spec, s.tick)
	if err != nil {
		return fmt.Errorf("failed to add cron job for %q: %w", s.spec, err)
	}

	if s.pruner != nil {
		if _, err := s.cron.AddFunc("@daily", s.prune); err != nil {
			return fmt.Errorf("failed to add retention job: %w", err)
		}
	}

	s.cron.Start()

	s.mu.Lock()
	s.entryID = entryID
	s.started = true
	s.mu.Unlock()

	s.logger.Info("scheduler started", "spec", s.spec, "next_run", s.NextRun().Format(time.RFC3339))
	return nil
}

// Stop stops the cron loop and waits for a running job to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// NextRun returns when the next scheduled render fires
func (s *Scheduler) NextRun() time.Time {
	s.mu.RLock()
	started, id := s.started, s.entryID
	s.mu.RUnlock()

	if started {
		if next := s.cron.Entry(id).Next; !next.IsZero() {
			return next
		}
	}
	return calculateNextRun(s.spec, s.interval, s.now(), s.logger)
}

func (s *Scheduler) tick() {
	stats, err := s.renderer.Render(s.baseCtx, model.TriggerScheduled)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		s.logger.Warn("scheduled render skipped, previous run still in progress")
	case err != nil:
		s.logger.Error("scheduled render failed", "err", err)
	default:
		s.logger.Debug("scheduled render finished", "total", stats.TotalDuration)
	}
}

func (s *Scheduler) prune() {
	if _, err := s.pruner.Prune(s.baseCtx, s.retentionDays, s.maxRuns); err != nil {
		s.logger.Warn("history retention failed", "err", err)
	}
}

// calculateNextRun evaluates spec relative to now. Unparseable specs fall
// back to now plus the interval.
func calculateNextRun(spec string, interval time.Duration, now time.Time, logger *log.Logger) time.Time {
	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err == nil && d > 0 {
			return now.Add(d).Truncate(time.Second)
		}
		logger.Warn("invalid @every duration, using interval", "spec", spec, "err", err)
		return now.Add(interval).Truncate(time.Second)
	}

	expr, err := cronexpr.Parse(spec)
	if err != nil {
		logger.Warn("failed to parse cron expression, using interval", "spec", spec, "err", err)
		return now.Add(interval).Truncate(time.Second)
	}

	next := expr.Next(now)
	if next.IsZero() {
		return now.Add(interval).Truncate(time.Second)
	}
	return next
}
