// Package scheduler runs the periodic work of one tenant: signal generation,
// lifecycle ticks, notifications, queued jobs and briefings.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"signalcore/internal/lifecycle"
	"signalcore/internal/messaging"
	"signalcore/internal/metrics"
	"signalcore/internal/milestone"
	"signalcore/internal/models"
	"signalcore/internal/pricemonitor"
	"signalcore/internal/store"
	"signalcore/internal/strategy"
)

const (
	TaskSignalCheckFast = "signal-check-fast"
	TaskSignalCheckSlow = "signal-check-slow"
	TaskPriceMonitor    = "price-monitor"
	TaskGuidance        = "guidance"
	TaskStagnant        = "stagnant-revalidation"
	TaskJobDrain        = "job-drain"
	TaskBriefings       = "briefings"
)

// DefaultIntervals are the task periods.
var DefaultIntervals = map[string]time.Duration{
	TaskSignalCheckFast: 15 * time.Minute,
	TaskSignalCheckSlow: 30 * time.Minute,
	TaskPriceMonitor:    time.Minute,
	TaskGuidance:        time.Minute,
	TaskStagnant:        time.Minute,
	TaskJobDrain:        30 * time.Second,
	TaskBriefings:       time.Minute,
}

// SignalEngine proposes and revalidates signals.
type SignalEngine interface {
	Evaluate(ctx context.Context, cfg *models.TenantConfig, timeframe string) (*models.Signal, error)
	StillValid(ctx context.Context, cfg *models.TenantConfig, sig *models.Signal) (bool, error)
}

type PriceSource interface {
	CurrentPrice(ctx context.Context, instrument string) (pricemonitor.Quote, error)
}

type JobDrainer interface {
	Drain(ctx context.Context, tenantID string) (int, error)
}

// Deps are the collaborators shared by every tenant scheduler of the process.
type Deps struct {
	Tenants    store.TenantStore
	Signals    store.SignalStore
	Engine     SignalEngine
	Prices     PriceSource
	Lifecycle  *lifecycle.Machine
	Milestones *milestone.Tracker
	Jobs       JobDrainer
	Sender     messaging.Sender
}

// Config tunes a scheduler. Zero values take the defaults.
type Config struct {
	BaseTick      time.Duration
	Grace         time.Duration
	Intervals     map[string]time.Duration
	StagnantAfter time.Duration
	StagnantEvery time.Duration
	// ClosedLookback bounds how far back owed close notifications are retried.
	ClosedLookback time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseTick <= 0 {
		c.BaseTick = 5 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
	intervals := make(map[string]time.Duration, len(DefaultIntervals))
	for k, v := range DefaultIntervals {
		intervals[k] = v
	}
	for k, v := range c.Intervals {
		intervals[k] = v
	}
	c.Intervals = intervals
	if c.StagnantAfter <= 0 {
		c.StagnantAfter = 90 * time.Minute
	}
	if c.StagnantEvery <= 0 {
		c.StagnantEvery = 30 * time.Minute
	}
	if c.ClosedLookback <= 0 {
		c.ClosedLookback = time.Hour
	}
	return c
}

type task struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

// TenantScheduler owns the periodic work of one tenant.
type TenantScheduler struct {
	tenantID string
	deps     Deps
	cfg      Config
	state    *State
	tasks    []task
	logger   *log.Entry
	now      func() time.Time

	// signalMu serializes every mutation of the tenant's signals.
	signalMu  sync.Mutex
	heartbeat atomic.Int64
}

func New(tenantID string, deps Deps, cfg Config) *TenantScheduler {
	s := &TenantScheduler{
		tenantID: tenantID,
		deps:     deps,
		cfg:      cfg.withDefaults(),
		state:    newState(),
		logger:   log.WithFields(log.Fields{"component": "scheduler", "tenant_id": tenantID}),
		now:      time.Now,
	}
	s.tasks = []task{
		{TaskSignalCheckFast, s.cfg.Intervals[TaskSignalCheckFast], func(ctx context.Context) error {
			return s.checkSignals(ctx, models.TimeframeFast)
		}},
		{TaskSignalCheckSlow, s.cfg.Intervals[TaskSignalCheckSlow], func(ctx context.Context) error {
			return s.checkSignals(ctx, models.TimeframeSlow)
		}},
		{TaskPriceMonitor, s.cfg.Intervals[TaskPriceMonitor], s.monitorPrice},
		{TaskGuidance, s.cfg.Intervals[TaskGuidance], s.sendGuidance},
		{TaskStagnant, s.cfg.Intervals[TaskStagnant], s.revalidate},
		{TaskJobDrain, s.cfg.Intervals[TaskJobDrain], s.drainJobs},
		{TaskBriefings, s.cfg.Intervals[TaskBriefings], s.runBriefings},
	}
	s.touch()
	return s
}

func (s *TenantScheduler) TenantID() string { return s.tenantID }

// Heartbeat is the time of the last loop iteration.
func (s *TenantScheduler) Heartbeat() time.Time {
	return time.Unix(0, s.heartbeat.Load())
}

func (s *TenantScheduler) State() *State { return s.state }

func (s *TenantScheduler) touch() {
	s.heartbeat.Store(s.now().UnixNano())
}

// Run dispatches due tasks until ctx is cancelled, then waits for in-flight
// tasks up to the grace period before cancelling them.
func (s *TenantScheduler) Run(ctx context.Context) error {
	s.logger.Info("Tenant scheduler started")
	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()

	var wg sync.WaitGroup
	ticker := time.NewTicker(s.cfg.BaseTick)
	defer ticker.Stop()

	s.dispatch(ctx, taskCtx, &wg)
	for {
		select {
		case <-ctx.Done():
			s.shutdown(&wg, cancelTasks)
			return nil
		case <-ticker.C:
			s.dispatch(ctx, taskCtx, &wg)
		}
	}
}

func (s *TenantScheduler) shutdown(wg *sync.WaitGroup, cancelTasks context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Tenant scheduler stopped")
	case <-time.After(s.cfg.Grace):
		cancelTasks()
		s.logger.WithField("grace", s.cfg.Grace.String()).Warn("Grace period elapsed, cancelled in-flight tasks")
	}
}

func (s *TenantScheduler) dispatch(ctx, taskCtx context.Context, wg *sync.WaitGroup) {
	s.touch()
	if err := s.reload(ctx); err != nil {
		s.logger.WithError(err).Warn("Config reload failed")
	}
	if s.state.Config() == nil {
		return
	}

	now := s.now()
	for _, t := range s.tasks {
		if ctx.Err() != nil {
			return
		}
		if !s.state.due(t.name, t.interval, now) {
			continue
		}
		if !s.state.start(t.name, now) {
			metrics.TaskSkippedTotal.WithLabelValues(t.name).Inc()
			s.logger.WithField("task", t.name).Debug("Previous run still in flight, skipping tick")
			continue
		}

		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			defer s.state.finish(t.name)
			s.execute(taskCtx, t)
		}(t)
	}
}

// RunOnce reloads configuration and runs every task once, sequentially.
func (s *TenantScheduler) RunOnce(ctx context.Context) error {
	s.touch()
	if err := s.reload(ctx); err != nil {
		return err
	}

	var errs []error
	for _, t := range s.tasks {
		now := s.now()
		if !s.state.start(t.name, now) {
			continue
		}
		if err := s.execute(ctx, t); err != nil && !isSkippable(err) {
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
		}
		s.state.finish(t.name)
	}
	return errors.Join(errs...)
}

func (s *TenantScheduler) execute(ctx context.Context, t task) (err error) {
	logger := s.logger.WithField("task", t.name)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
			logger.WithError(err).Error("Task panicked")
			metrics.TaskRunsTotal.WithLabelValues(t.name, "panic").Inc()
		}
	}()

	err = t.run(ctx)
	switch {
	case err == nil:
		metrics.TaskRunsTotal.WithLabelValues(t.name, "ok").Inc()
	case errors.Is(err, pricemonitor.ErrPriceUnavailable):
		metrics.TaskRunsTotal.WithLabelValues(t.name, "skipped").Inc()
		logger.WithError(err).Info("Price unavailable, tick skipped")
	case errors.Is(err, strategy.ErrConfig), errors.Is(err, messaging.ErrMissingCredentials):
		metrics.TaskRunsTotal.WithLabelValues(t.name, "config_error").Inc()
		logger.WithError(err).Warn("Task skipped on configuration error")
	default:
		metrics.TaskRunsTotal.WithLabelValues(t.name, "error").Inc()
		logger.WithError(err).Error("Task failed")
	}
	return err
}

func isSkippable(err error) bool {
	return errors.Is(err, pricemonitor.ErrPriceUnavailable) ||
		errors.Is(err, strategy.ErrConfig) ||
		errors.Is(err, messaging.ErrMissingCredentials)
}

// reload re-reads the tenant configuration when its updated_at moved.
func (s *TenantScheduler) reload(ctx context.Context) error {
	updatedAt, err := s.deps.Tenants.UpdatedAt(ctx, s.tenantID)
	if err != nil {
		return err
	}
	if s.state.seenConfig(updatedAt) {
		return nil
	}

	cfg, err := s.deps.Tenants.Get(ctx, s.tenantID)
	if err != nil {
		return err
	}
	sent, err := s.deps.Tenants.BriefingsSent(ctx, s.tenantID)
	if err != nil {
		return err
	}
	briefings, errs := parseBriefings(cfg, s.now(), sent)
	for _, err := range errs {
		s.logger.WithError(err).Warn("Invalid briefing schedule")
	}

	first := s.state.Config() == nil
	s.state.setConfig(cfg, updatedAt, briefings)
	if !first {
		s.logger.WithField("updated_at", updatedAt).Info("Tenant configuration reloaded")
	}
	return nil
}
