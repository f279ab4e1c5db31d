package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcore/internal/lifecycle"
	"signalcore/internal/milestone"
	"signalcore/internal/models"
	"signalcore/internal/pricemonitor"
	"signalcore/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

type fakeEngine struct {
	mu          sync.Mutex
	proposal    *models.Signal
	valid       bool
	err         error
	evaluations int
	validations int
}

func (e *fakeEngine) Evaluate(_ context.Context, cfg *models.TenantConfig, timeframe string) (*models.Signal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evaluations++
	if e.err != nil || e.proposal == nil {
		return nil, e.err
	}
	sig := *e.proposal
	sig.TenantID = cfg.TenantID
	sig.Timeframe = timeframe
	return &sig, nil
}

func (e *fakeEngine) StillValid(context.Context, *models.TenantConfig, *models.Signal) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validations++
	return e.valid, nil
}

type fakePrices struct {
	mu    sync.Mutex
	price float64
	err   error
}

func (p *fakePrices) Set(price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = price
}

func (p *fakePrices) CurrentPrice(context.Context, string) (pricemonitor.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return pricemonitor.Quote{}, p.err
	}
	return pricemonitor.Quote{Price: p.price, FetchedAt: time.Now()}, nil
}

type fakeSender struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (f *fakeSender) SendToChannel(_ context.Context, _, _, text, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeSender) Messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

type fakeDrainer struct{ calls atomic.Int32 }

func (d *fakeDrainer) Drain(context.Context, string) (int, error) {
	d.calls.Add(1)
	return 0, nil
}

type harness struct {
	s       *TenantScheduler
	clock   *fakeClock
	tenants *store.MemoryTenants
	signals *store.MemorySignals
	engine  *fakeEngine
	prices  *fakePrices
	sender  *fakeSender
	jobs    *fakeDrainer
}

var t0 = time.Date(2024, 3, 4, 12, 59, 30, 0, time.UTC)

func tenantConfig(briefings ...models.BriefingSchedule) models.TenantConfig {
	raw, _ := json.Marshal(briefings)
	return models.TenantConfig{
		TenantID:        "acme",
		Enabled:         true,
		SignalBotActive: true,
		Instrument:      "XAU/USD",
		SignalBotRole:   "signals",
		SignalChannel:   "vip",
		Briefings:       raw,
		UpdatedAt:       t0,
	}
}

func newHarness(t *testing.T, cfg Config, briefings ...models.BriefingSchedule) *harness {
	h := &harness{
		clock:   &fakeClock{now: t0},
		tenants: store.NewMemoryTenants(),
		signals: store.NewMemorySignals(),
		engine:  &fakeEngine{},
		prices:  &fakePrices{price: 2000},
		sender:  &fakeSender{},
		jobs:    &fakeDrainer{},
	}
	h.tenants.Put(tenantConfig(briefings...))

	h.s = New("acme", Deps{
		Tenants:    h.tenants,
		Signals:    h.signals,
		Engine:     h.engine,
		Prices:     h.prices,
		Lifecycle:  lifecycle.New(),
		Milestones: milestone.NewTracker(),
		Jobs:       h.jobs,
		Sender:     h.sender,
	}, cfg)
	h.s.now = h.clock.Now
	require.NoError(t, h.s.reload(context.Background()))
	return h
}

func proposal() *models.Signal {
	return &models.Signal{
		Strategy:          "ema_cross",
		Instrument:        "XAU/USD",
		Direction:         models.DirectionLong,
		EntryPrice:        2000,
		StopLoss:          1990,
		EffectiveStopLoss: 1990,
		TP1:               2010,
		TP2:               2020,
		TP3:               2030,
		Status:            models.StatusPending,
		CreatedAt:         t0,
	}
}

func (h *harness) openSignal(t *testing.T) *models.Signal {
	sig, err := h.signals.OpenForTenant(context.Background(), "acme")
	require.NoError(t, err)
	return sig
}

// seed stores an announced ACTIVE signal opened age ago.
func (h *harness) seed(t *testing.T, age time.Duration) *models.Signal {
	sig := proposal()
	sig.TenantID = "acme"
	sig.Status = models.StatusActive
	sig.CreatedAt = h.clock.Now().Add(-age)
	activated := sig.CreatedAt
	sig.ActivatedAt = &activated
	require.NoError(t, h.signals.Create(context.Background(), sig))
	return sig
}

func TestSignalFlowBreakevenThenStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.engine.proposal = proposal()

	require.NoError(t, h.s.checkSignals(ctx, models.TimeframeFast))
	sig := h.openSignal(t)
	assert.Equal(t, models.StatusActive, sig.Status)
	require.Len(t, h.sender.Messages(), 1)
	assert.Contains(t, h.sender.Messages()[0], "Entry: 2000.00")

	require.NoError(t, h.s.checkSignals(ctx, models.TimeframeSlow))
	assert.Equal(t, 1, h.engine.evaluations, "no evaluation while a signal is open")

	h.clock.Advance(time.Minute)
	h.prices.Set(2007)
	require.NoError(t, h.s.monitorPrice(ctx))
	sig = h.openSignal(t)
	assert.Equal(t, models.StatusBreakevenSet, sig.Status)
	assert.Equal(t, 2000.0, sig.EffectiveStopLoss)
	msgs := h.sender.Messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1], "stop moved to entry")
	assert.True(t, sig.MilestoneSent(milestone.Breakeven70))

	h.clock.Advance(30 * time.Second)
	h.prices.Set(2000)
	require.NoError(t, h.s.monitorPrice(ctx))
	closed, err := h.signals.Get(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosedSL, closed.Status)
	assert.Equal(t, 2000.0, closed.ClosePrice)
	assert.Len(t, h.sender.Messages(), 2, "stop notification held back by the cooldown")

	h.clock.Advance(2 * time.Minute)
	require.NoError(t, h.s.sendGuidance(ctx))
	msgs = h.sender.Messages()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[2], "Stopped out at 2000.00")

	require.NoError(t, h.s.sendGuidance(ctx))
	assert.Len(t, h.sender.Messages(), 3)
}

func TestFailedAnnouncementIsRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.engine.proposal = proposal()
	h.sender.err = errors.New("broker down")

	assert.Error(t, h.s.checkSignals(ctx, models.TimeframeFast))
	assert.Equal(t, models.StatusPending, h.openSignal(t).Status)

	h.sender.err = nil
	h.clock.Advance(time.Minute)
	h.prices.Set(2001)
	require.NoError(t, h.s.monitorPrice(ctx))
	assert.Equal(t, models.StatusActive, h.openSignal(t).Status)
	assert.Len(t, h.sender.Messages(), 1)
}

func TestHardTimeoutOnPriceTick(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	sig := h.seed(t, 181*time.Minute)
	h.prices.Set(2004)

	require.NoError(t, h.s.monitorPrice(ctx))
	got, err := h.signals.Get(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHardTimeoutExpired, got.Status)
	assert.Equal(t, 2004.0, got.ClosePrice)
	msgs := h.sender.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Signal expired (hard_timeout)")
}

func TestStagnantRevalidation(t *testing.T) {
	ctx := context.Background()

	t.Run("not before ninety minutes", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.seed(t, 60*time.Minute)
		require.NoError(t, h.s.revalidate(ctx))
		assert.Zero(t, h.engine.validations)
	})

	t.Run("still valid then every thirty minutes", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.engine.valid = true
		h.seed(t, 95*time.Minute)

		require.NoError(t, h.s.revalidate(ctx))
		assert.Equal(t, 1, h.engine.validations)
		sig := h.openSignal(t)
		assert.Equal(t, models.StatusActive, sig.Status)
		require.NotNil(t, sig.LastRevalidatedAt)

		h.clock.Advance(10 * time.Minute)
		require.NoError(t, h.s.revalidate(ctx))
		assert.Equal(t, 1, h.engine.validations)

		h.clock.Advance(20 * time.Minute)
		require.NoError(t, h.s.revalidate(ctx))
		assert.Equal(t, 2, h.engine.validations)
	})

	t.Run("rationale gone", func(t *testing.T) {
		h := newHarness(t, Config{})
		sig := h.seed(t, 95*time.Minute)
		h.prices.Set(2003)

		require.NoError(t, h.s.revalidate(ctx))
		got, err := h.signals.Get(ctx, sig.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusStagnantExpired, got.Status)
		assert.InDelta(t, 3.0, got.RealizedPnL, 1e-9)
	})

	t.Run("hard timeout wins", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.engine.valid = true
		sig := h.seed(t, 200*time.Minute)

		require.NoError(t, h.s.revalidate(ctx))
		got, err := h.signals.Get(ctx, sig.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusHardTimeoutExpired, got.Status)
		assert.Zero(t, h.engine.validations)
	})
}

func TestGuidanceEveryTenMinutes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.seed(t, 5*time.Minute)
	h.prices.Set(2002)

	require.NoError(t, h.s.sendGuidance(ctx))
	assert.Empty(t, h.sender.Messages())

	h.clock.Advance(5 * time.Minute)
	require.NoError(t, h.s.sendGuidance(ctx))
	msgs := h.sender.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "update: price 2002.00")

	h.clock.Advance(5 * time.Minute)
	require.NoError(t, h.s.sendGuidance(ctx))
	assert.Len(t, h.sender.Messages(), 1)
}

func TestHotReload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	assert.Equal(t, "XAU/USD", h.s.State().Config().Instrument)

	cfg := tenantConfig()
	cfg.Instrument = "EUR/USD"
	h.tenants.Put(cfg)

	require.NoError(t, h.s.reload(ctx))
	assert.Equal(t, "EUR/USD", h.s.State().Config().Instrument)
}

func TestBriefingsFireOncePerOccurrence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, models.BriefingSchedule{Name: "morning", Cron: "0 13 * * *", Kind: BriefingDaily})

	require.NoError(t, h.s.runBriefings(ctx))
	assert.Empty(t, h.sender.Messages())

	h.clock.Set(time.Date(2024, 3, 4, 13, 0, 10, 0, time.UTC))
	require.NoError(t, h.s.runBriefings(ctx))
	msgs := h.sender.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "XAU/USD Daily briefing")

	h.clock.Advance(30 * time.Second)
	require.NoError(t, h.s.runBriefings(ctx))
	assert.Len(t, h.sender.Messages(), 1)

	// a reload with the same schedule keeps the next fire time
	h.tenants.Put(tenantConfig(models.BriefingSchedule{Name: "morning", Cron: "0 13 * * *", Kind: BriefingDaily}))
	require.NoError(t, h.s.reload(ctx))
	require.NoError(t, h.s.runBriefings(ctx))
	assert.Len(t, h.sender.Messages(), 1)

	h.clock.Set(time.Date(2024, 3, 5, 13, 0, 0, 0, time.UTC))
	require.NoError(t, h.s.runBriefings(ctx))
	assert.Len(t, h.sender.Messages(), 2)
}

func TestBriefingSinglePassSchedulersFireEachOccurrenceOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, models.BriefingSchedule{Name: "morning", Cron: "0 13 * * *", Kind: BriefingDaily})

	passes := []time.Time{
		time.Date(2024, 3, 4, 12, 59, 5, 0, time.UTC),
		time.Date(2024, 3, 4, 13, 0, 5, 0, time.UTC),
		time.Date(2024, 3, 4, 13, 1, 5, 0, time.UTC),
	}
	for _, at := range passes {
		at := at
		s := New("acme", h.s.deps, Config{})
		s.now = func() time.Time { return at }
		require.NoError(t, s.RunOnce(ctx))
	}

	var briefings int
	for _, msg := range h.sender.Messages() {
		if strings.Contains(msg, "Daily briefing") {
			briefings++
		}
	}
	assert.Equal(t, 1, briefings)

	sent, err := h.tenants.BriefingsSent(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 4, 13, 0, 0, 0, time.UTC), sent["morning|0 13 * * *"])
}

func TestBriefingCatchUpAfterRestart(t *testing.T) {
	ctx := context.Background()
	def := models.BriefingSchedule{Name: "morning", Cron: "0 13 * * *", Kind: BriefingDaily}
	h := newHarness(t, Config{}, def)
	require.NoError(t, h.tenants.MarkBriefingSent(ctx, "acme", "morning|0 13 * * *", time.Date(2024, 3, 3, 13, 0, 0, 0, time.UTC)))

	t.Run("missed occurrence within catch-up is sent", func(t *testing.T) {
		s := New("acme", h.s.deps, Config{})
		s.now = func() time.Time { return time.Date(2024, 3, 4, 13, 40, 0, 0, time.UTC) }
		require.NoError(t, s.reload(ctx))
		require.NoError(t, s.runBriefings(ctx))
		assert.Len(t, h.sender.Messages(), 1)
	})

	t.Run("already sent occurrence is not repeated", func(t *testing.T) {
		s := New("acme", h.s.deps, Config{})
		s.now = func() time.Time { return time.Date(2024, 3, 4, 13, 45, 0, 0, time.UTC) }
		require.NoError(t, s.reload(ctx))
		require.NoError(t, s.runBriefings(ctx))
		assert.Len(t, h.sender.Messages(), 1)
	})

	t.Run("occurrence older than catch-up is skipped", func(t *testing.T) {
		s := New("acme", h.s.deps, Config{})
		s.now = func() time.Time { return time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC) }
		require.NoError(t, s.reload(ctx))
		require.NoError(t, s.runBriefings(ctx))
		assert.Len(t, h.sender.Messages(), 1)
	})
}

func TestBriefingText(t *testing.T) {
	cfg := tenantConfig()
	closed := []models.Signal{{RealizedPnL: 17}, {RealizedPnL: -10}, {RealizedPnL: 0}}
	text := BriefingText(&cfg, BriefingWeekly, make([]models.Signal, 4), closed)
	assert.Contains(t, text, "Weekly briefing")
	assert.Contains(t, text, "Signals opened: 4")
	assert.Contains(t, text, "Closed: 3 (1 won, 1 lost)")
	assert.Contains(t, text, "Net P&L: 7.00")
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.engine.proposal = proposal()
	h.prices.err = pricemonitor.ErrPriceUnavailable

	require.NoError(t, h.s.RunOnce(ctx))
	assert.Equal(t, int32(1), h.jobs.calls.Load())
	assert.Equal(t, models.StatusActive, h.openSignal(t).Status)

	h.engine.err = errors.New("feed down")
	h.signals = store.NewMemorySignals()
	h.s.deps.Signals = h.signals
	assert.Error(t, h.s.RunOnce(ctx))
}

func TestRunSkipsTaskStillInFlight(t *testing.T) {
	h := newHarness(t, Config{BaseTick: 5 * time.Millisecond})
	h.s.now = time.Now

	var runs atomic.Int32
	release := make(chan struct{})
	h.s.tasks = []task{{name: "slow", interval: 0, run: func(ctx context.Context) error {
		runs.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.s.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	assert.True(t, h.s.state.isRunning("slow"))

	close(release)
	assert.Eventually(t, func() bool { return runs.Load() > 1 }, time.Second, 5*time.Millisecond)
	assert.WithinDuration(t, time.Now(), h.s.Heartbeat(), time.Second)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunGracePeriod(t *testing.T) {
	t.Run("in-flight task finishes within grace", func(t *testing.T) {
		h := newHarness(t, Config{BaseTick: time.Hour, Grace: time.Second})
		started := make(chan struct{})
		var finished atomic.Bool
		h.s.tasks = []task{{name: "work", interval: time.Hour, run: func(ctx context.Context) error {
			close(started)
			time.Sleep(30 * time.Millisecond)
			finished.Store(ctx.Err() == nil)
			return nil
		}}}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			_ = h.s.Run(ctx)
			close(done)
		}()
		<-started
		cancel()
		<-done
		assert.True(t, finished.Load())
	})

	t.Run("task cancelled after grace", func(t *testing.T) {
		h := newHarness(t, Config{BaseTick: time.Hour, Grace: 50 * time.Millisecond})
		started := make(chan struct{})
		var cancelled atomic.Bool
		h.s.tasks = []task{{name: "stuck", interval: time.Hour, run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
			return ctx.Err()
		}}}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		begin := time.Now()
		go func() {
			_ = h.s.Run(ctx)
			close(done)
		}()
		<-started
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler did not stop")
		}
		assert.Less(t, time.Since(begin), time.Second)
		assert.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
	})
}
