// Package orchestrator owns the leader lease and runs one TenantScheduler per
// discovered tenant while it holds it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"signalcore/internal/leader"
	"signalcore/internal/metrics"
	"signalcore/internal/store"
)

var ErrNotLeader = errors.New("leader lease held by another process")

// Runner is a tenant scheduler as seen by the orchestrator.
type Runner interface {
	Run(ctx context.Context) error
	RunOnce(ctx context.Context) error
	Heartbeat() time.Time
}

// Factory builds the scheduler of one tenant.
type Factory func(tenantID string) Runner

type Options struct {
	Scope string
	// PinnedTenant bypasses discovery and runs only this tenant.
	PinnedTenant string
	ShardIndex   int
	ShardCount   int

	PollInterval      time.Duration
	DiscoveryInterval time.Duration
	LivenessInterval  time.Duration
	LivenessTimeout   time.Duration
	// StopGrace bounds the wait for a stopping scheduler.
	StopGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.Scope == "" {
		o.Scope = "scheduler"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = leader.DefaultPollInterval
	}
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = time.Minute
	}
	if o.LivenessInterval <= 0 {
		o.LivenessInterval = time.Minute
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = 5 * time.Minute
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 45 * time.Second
	}
	return o
}

type handle struct {
	runner    Runner
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// TenantStatus describes one running scheduler.
type TenantStatus struct {
	TenantID  string    `json:"tenant_id"`
	StartedAt time.Time `json:"started_at"`
	Heartbeat time.Time `json:"heartbeat"`
}

// Snapshot is the orchestrator state reported by the ops API.
type Snapshot struct {
	Leader  bool           `json:"leader"`
	Holder  string         `json:"holder"`
	Scope   string         `json:"scope"`
	Tenants []TenantStatus `json:"tenants"`
}

type Orchestrator struct {
	elector leader.Elector
	tenants store.TenantStore
	factory Factory
	opts    Options
	logger  *log.Entry
	now     func() time.Time

	isLeader atomic.Bool
	mu       sync.Mutex
	running  map[string]*handle
}

func New(elector leader.Elector, tenants store.TenantStore, factory Factory, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		elector: elector,
		tenants: tenants,
		factory: factory,
		opts:    opts,
		logger:  log.WithFields(log.Fields{"component": "orchestrator", "scope": opts.Scope}),
		now:     time.Now,
		running: make(map[string]*handle),
	}
}

// Run competes for the lease until ctx is cancelled. While leader it keeps the
// set of running tenant schedulers equal to the discovered tenants.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.WithField("holder", o.elector.HolderID()).Info("Orchestrator started")
	for {
		attempted := o.now()
		acquireCtx, cancel := context.WithTimeout(ctx, o.elector.TTL())
		ok, err := o.elector.TryAcquire(acquireCtx, o.opts.Scope)
		cancel()
		if err != nil && ctx.Err() == nil {
			o.logger.WithError(err).Warn("Lease acquisition failed")
		}
		if ok {
			o.lead(ctx, attempted.Add(o.elector.TTL()))
		}
		if ctx.Err() != nil {
			return nil
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(o.opts.PollInterval):
			}
		}
	}
}

type renewResult struct {
	ok      bool
	err     error
	expires time.Time
}

// lead runs tenant schedulers until ctx ends or the lease is lost. validUntil is
// the latest moment the lease can still be ours: the time the acquire or renew
// was issued plus the TTL. Schedulers are stopped once it passes, whether or not
// a renew is still in flight.
func (o *Orchestrator) lead(ctx context.Context, validUntil time.Time) {
	o.isLeader.Store(true)
	metrics.IsLeader.Set(1)
	o.logger.Info("Became leader")
	defer func() {
		o.isLeader.Store(false)
		metrics.IsLeader.Set(0)
	}()

	leadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	interval := o.elector.RenewInterval()
	// Stop half a renew interval early so a rival that acquires right at expiry
	// never overlaps with our schedulers.
	margin := interval / 2

	renew := time.NewTicker(interval)
	defer renew.Stop()
	discover := time.NewTicker(o.opts.DiscoveryInterval)
	defer discover.Stop()
	liveness := time.NewTicker(o.opts.LivenessInterval)
	defer liveness.Stop()
	expiry := time.NewTimer(o.untilFence(validUntil, margin))
	defer expiry.Stop()

	results := make(chan renewResult, 1)
	renewing := false

	o.reconcile(leadCtx, validUntil.Add(-margin))
	for {
		select {
		case <-ctx.Done():
			o.stopAll()
			releaseCtx, cancelRelease := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := o.elector.Release(releaseCtx, o.opts.Scope); err != nil {
				o.logger.WithError(err).Warn("Lease release failed")
			}
			cancelRelease()
			return
		case <-renew.C:
			if renewing {
				continue
			}
			renewing = true
			go o.renew(leadCtx, validUntil.Add(-margin), results)
		case r := <-results:
			renewing = false
			if r.err != nil || !r.ok {
				o.logger.WithError(r.err).Warn("Leader lease lost, stopping tenant schedulers")
				o.stopAll()
				return
			}
			validUntil = r.expires
			if !expiry.Stop() {
				select {
				case <-expiry.C:
				default:
				}
			}
			expiry.Reset(o.untilFence(validUntil, margin))
		case <-expiry.C:
			o.logger.WithField("valid_until", validUntil).Warn("Leader lease expired before renewal, stopping tenant schedulers")
			o.stopAll()
			return
		case <-discover.C:
			o.reconcile(leadCtx, validUntil.Add(-margin))
		case <-liveness.C:
			o.checkLiveness(leadCtx)
		}
	}
}

// renew issues one renewal bounded by deadline and reports when the renewed
// lease will expire.
func (o *Orchestrator) renew(ctx context.Context, deadline time.Time, results chan<- renewResult) {
	issued := o.now()
	renewCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ok, err := o.elector.Renew(renewCtx, o.opts.Scope)
	results <- renewResult{ok: ok, err: err, expires: issued.Add(o.elector.TTL())}
}

func (o *Orchestrator) untilFence(validUntil time.Time, margin time.Duration) time.Duration {
	d := validUntil.Add(-margin).Sub(o.now())
	if d < 0 {
		return 0
	}
	return d
}

// desired returns the tenants this process should run.
func (o *Orchestrator) desired(ctx context.Context) (map[string]bool, error) {
	if o.opts.PinnedTenant != "" {
		return map[string]bool{o.opts.PinnedTenant: true}, nil
	}
	configs, err := o.tenants.ListSchedulable(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		if InShard(cfg.TenantID, o.opts.ShardIndex, o.opts.ShardCount) {
			out[cfg.TenantID] = true
		}
	}
	return out, nil
}

// reconcile starts and stops schedulers to match discovery. The discovery query
// is bounded by fence so a slow store cannot hold the loop past lease expiry;
// spawned schedulers live on ctx.
func (o *Orchestrator) reconcile(ctx context.Context, fence time.Time) {
	discoverCtx, cancel := context.WithDeadline(ctx, fence)
	want, err := o.desired(discoverCtx)
	cancel()
	if err != nil {
		o.logger.WithError(err).Warn("Tenant discovery failed, keeping current schedulers")
		return
	}

	o.mu.Lock()
	var stale []string
	for id := range o.running {
		if !want[id] {
			stale = append(stale, id)
		}
	}
	o.mu.Unlock()

	for _, id := range stale {
		o.logger.WithField("tenant_id", id).Info("Tenant no longer schedulable, stopping scheduler")
		o.stop(id)
	}
	for id := range want {
		o.start(ctx, id)
	}
}

func (o *Orchestrator) start(ctx context.Context, tenantID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[tenantID]; ok {
		return
	}

	runner := o.factory(tenantID)
	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{runner: runner, cancel: cancel, done: make(chan struct{}), startedAt: o.now()}
	o.running[tenantID] = h
	metrics.RunningSchedulers.Set(float64(len(o.running)))

	go func() {
		defer close(h.done)
		if err := runner.Run(runCtx); err != nil {
			o.logger.WithError(err).WithField("tenant_id", tenantID).Error("Tenant scheduler exited")
		}
	}()
	o.logger.WithField("tenant_id", tenantID).Info("Tenant scheduler spawned")
}

func (o *Orchestrator) stop(tenantID string) {
	o.mu.Lock()
	h, ok := o.running[tenantID]
	delete(o.running, tenantID)
	metrics.RunningSchedulers.Set(float64(len(o.running)))
	o.mu.Unlock()
	if !ok {
		return
	}

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(o.opts.StopGrace):
		o.logger.WithField("tenant_id", tenantID).Warn("Tenant scheduler did not stop within grace")
	}
}

func (o *Orchestrator) stopAll() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			o.stop(id)
		}(id)
	}
	wg.Wait()
}

// checkLiveness force-restarts schedulers that exited or stopped heartbeating.
func (o *Orchestrator) checkLiveness(ctx context.Context) {
	now := o.now()
	o.mu.Lock()
	var dead []string
	for id, h := range o.running {
		if h.exited() || now.Sub(h.runner.Heartbeat()) > o.opts.LivenessTimeout {
			dead = append(dead, id)
		}
	}
	o.mu.Unlock()

	for _, id := range dead {
		o.logger.WithField("tenant_id", id).Warn("Tenant scheduler unresponsive, respawning")
		o.stop(id)
		o.start(ctx, id)
	}
}

// RunOnce acquires the lease, runs every task of every desired tenant once and releases the lease.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	ok, err := o.elector.TryAcquire(ctx, o.opts.Scope)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return ErrNotLeader
	}
	defer func() {
		if err := o.elector.Release(context.WithoutCancel(ctx), o.opts.Scope); err != nil {
			o.logger.WithError(err).Warn("Lease release failed")
		}
	}()

	want, err := o.desired(ctx)
	if err != nil {
		return fmt.Errorf("discover tenants: %w", err)
	}
	ids := make([]string, 0, len(want))
	for id := range want {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := o.factory(id).RunOnce(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Snapshot reports leadership and the running schedulers.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{
		Leader: o.isLeader.Load(),
		Holder: o.elector.HolderID(),
		Scope:  o.opts.Scope,
	}
	for id, h := range o.running {
		snap.Tenants = append(snap.Tenants, TenantStatus{
			TenantID:  id,
			StartedAt: h.startedAt,
			Heartbeat: h.runner.Heartbeat(),
		})
	}
	sort.Slice(snap.Tenants, func(i, j int) bool { return snap.Tenants[i].TenantID < snap.Tenants[j].TenantID })
	return snap
}
