package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"signalcore/internal/lifecycle"
	"signalcore/internal/milestone"
	"signalcore/internal/models"
	"signalcore/internal/pricemonitor"
	"signalcore/internal/store"
)

var revalidationColumns = append([]string{"last_revalidated_at"}, lifecycle.Columns...)

// openSignal returns the tenant's open signal, or nil.
func (s *TenantScheduler) openSignal(ctx context.Context) (*models.Signal, error) {
	sig, err := s.deps.Signals.OpenForTenant(ctx, s.tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return sig, err
}

func (s *TenantScheduler) checkSignals(ctx context.Context, timeframe string) error {
	cfg := s.state.Config()

	s.signalMu.Lock()
	defer s.signalMu.Unlock()

	open, err := s.openSignal(ctx)
	if err != nil || open != nil {
		return err
	}

	sig, err := s.deps.Engine.Evaluate(ctx, cfg, timeframe)
	if err != nil || sig == nil {
		return err
	}
	if err := s.deps.Signals.Create(ctx, sig); err != nil {
		if errors.Is(err, store.ErrOpenSignalExists) {
			s.logger.Info("Open signal appeared concurrently, proposal dropped")
			return nil
		}
		return err
	}

	s.logger.WithFields(log.Fields{
		"signal_id": sig.ID,
		"strategy":  sig.Strategy,
		"direction": sig.Direction,
		"entry":     sig.EntryPrice,
	}).Info("Signal generated")

	return s.announce(ctx, cfg, sig)
}

// announce posts a PENDING signal and activates it. On failure it stays PENDING
// and the price monitor retries.
func (s *TenantScheduler) announce(ctx context.Context, cfg *models.TenantConfig, sig *models.Signal) error {
	if err := s.deps.Sender.SendToChannel(ctx, cfg.TenantID, cfg.SignalBotRole, AnnouncementText(sig), cfg.SignalChannel); err != nil {
		return fmt.Errorf("announce signal %d: %w", sig.ID, err)
	}
	if err := s.deps.Lifecycle.Activate(sig, s.now()); err != nil {
		return err
	}
	return s.deps.Signals.Update(ctx, sig, lifecycle.Columns...)
}

func (s *TenantScheduler) monitorPrice(ctx context.Context) error {
	cfg := s.state.Config()

	s.signalMu.Lock()
	defer s.signalMu.Unlock()

	sig, err := s.openSignal(ctx)
	if err != nil || sig == nil {
		return err
	}
	quote, err := s.deps.Prices.CurrentPrice(ctx, sig.Instrument)
	if err != nil {
		return err
	}
	now := s.now()

	if res := s.deps.Lifecycle.ExpireHardTimeout(sig, quote.Price, now); res.Changed {
		s.logger.WithField("signal_id", sig.ID).Info("Signal hit the hard timeout")
		if err := s.deps.Signals.Update(ctx, sig, lifecycle.Columns...); err != nil {
			return err
		}
		return s.notifyMilestones(ctx, cfg, sig, quote.Price)
	}

	if sig.Status == models.StatusPending {
		if err := s.announce(ctx, cfg, sig); err != nil {
			return err
		}
	}

	res := s.deps.Lifecycle.Tick(sig, quote.Price, now)
	if res.Changed {
		if err := s.deps.Signals.Update(ctx, sig, lifecycle.Columns...); err != nil {
			return err
		}
		if res.From != res.To {
			s.logger.WithFields(log.Fields{
				"signal_id": sig.ID,
				"from":      res.From,
				"to":        res.To,
				"price":     quote.Price,
			}).Info("Signal transitioned")
		}
	}
	return s.notifyMilestones(ctx, cfg, sig, quote.Price)
}

// notifyMilestones sends every milestone the signal owes as one post. Events held
// back by the cooldown are picked up on a later tick.
func (s *TenantScheduler) notifyMilestones(ctx context.Context, cfg *models.TenantConfig, sig *models.Signal, price float64) error {
	now := s.now()
	events := s.deps.Milestones.Evaluate(sig, pricemonitor.Progress(sig, price), now)
	if len(events) == 0 {
		return nil
	}
	if err := s.deps.Sender.SendToChannel(ctx, cfg.TenantID, cfg.SignalBotRole, milestone.Message(sig, events, price), cfg.SignalChannel); err != nil {
		return fmt.Errorf("notify milestones of signal %d: %w", sig.ID, err)
	}
	s.deps.Milestones.MarkSent(sig, events, now)
	return s.deps.Signals.Update(ctx, sig, milestone.Columns...)
}

func (s *TenantScheduler) sendGuidance(ctx context.Context) error {
	cfg := s.state.Config()
	now := s.now()

	s.signalMu.Lock()
	defer s.signalMu.Unlock()

	// close notifications held back by the cooldown after the signal left the open set
	closed, err := s.deps.Signals.ListClosedSince(ctx, s.tenantID, now.Add(-s.cfg.ClosedLookback))
	if err != nil {
		return err
	}
	for i := range closed {
		sig := &closed[i]
		if !s.deps.Milestones.Pending(sig, pricemonitor.Progress(sig, sig.ClosePrice)) {
			continue
		}
		if err := s.notifyMilestones(ctx, cfg, sig, sig.ClosePrice); err != nil {
			return err
		}
	}

	sig, err := s.openSignal(ctx)
	if err != nil || sig == nil || sig.Status == models.StatusPending {
		return err
	}
	quote, err := s.deps.Prices.CurrentPrice(ctx, sig.Instrument)
	if err != nil {
		return err
	}
	if err := s.notifyMilestones(ctx, cfg, sig, quote.Price); err != nil {
		return err
	}

	if !s.deps.Milestones.GuidanceDue(sig, now) {
		return nil
	}
	text := milestone.GuidanceMessage(sig, quote.Price, pricemonitor.Progress(sig, quote.Price), pricemonitor.UnrealizedPnL(sig, quote.Price))
	if err := s.deps.Sender.SendToChannel(ctx, cfg.TenantID, cfg.SignalBotRole, text, cfg.SignalChannel); err != nil {
		return fmt.Errorf("guidance for signal %d: %w", sig.ID, err)
	}
	s.deps.Milestones.MarkGuidance(sig, now)
	return s.deps.Signals.Update(ctx, sig, milestone.Columns...)
}

// revalidate expires an ACTIVE signal whose strategy no longer supports it, first
// at open+StagnantAfter and then every StagnantEvery. The hard timeout wins.
func (s *TenantScheduler) revalidate(ctx context.Context) error {
	cfg := s.state.Config()
	now := s.now()

	s.signalMu.Lock()
	defer s.signalMu.Unlock()

	sig, err := s.openSignal(ctx)
	if err != nil || sig == nil {
		return err
	}
	if sig.Status != models.StatusActive && sig.Status != models.StatusBreakevenSet {
		return nil
	}

	if s.deps.Lifecycle.HardTimedOut(sig, now) {
		quote, err := s.deps.Prices.CurrentPrice(ctx, sig.Instrument)
		if err != nil {
			return err
		}
		s.deps.Lifecycle.ExpireHardTimeout(sig, quote.Price, now)
		if err := s.deps.Signals.Update(ctx, sig, lifecycle.Columns...); err != nil {
			return err
		}
		return s.notifyMilestones(ctx, cfg, sig, quote.Price)
	}

	if sig.Age(now) < s.cfg.StagnantAfter {
		return nil
	}
	if sig.LastRevalidatedAt != nil && now.Sub(*sig.LastRevalidatedAt) < s.cfg.StagnantEvery {
		return nil
	}

	valid, err := s.deps.Engine.StillValid(ctx, cfg, sig)
	if err != nil {
		return err
	}
	sig.LastRevalidatedAt = &now
	if valid {
		return s.deps.Signals.Update(ctx, sig, "last_revalidated_at")
	}

	quote, err := s.deps.Prices.CurrentPrice(ctx, sig.Instrument)
	if err != nil {
		return err
	}
	s.deps.Lifecycle.ExpireStagnant(sig, quote.Price, now)
	s.logger.WithField("signal_id", sig.ID).Info("Signal rationale gone, expired as stagnant")
	if err := s.deps.Signals.Update(ctx, sig, revalidationColumns...); err != nil {
		return err
	}
	return s.notifyMilestones(ctx, cfg, sig, quote.Price)
}

func (s *TenantScheduler) drainJobs(ctx context.Context) error {
	n, err := s.deps.Jobs.Drain(ctx, s.tenantID)
	if n > 0 {
		s.logger.WithField("count", n).Debug("Jobs completed")
	}
	return err
}

// AnnouncementText renders the post that opens a signal.
func AnnouncementText(sig *models.Signal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s #%d\n", sig.Instrument, strings.ToUpper(string(sig.Direction)), sig.ID)
	fmt.Fprintf(&b, "Entry: %.2f\n", sig.EntryPrice)
	for i, tp := range sig.TakeProfits() {
		fmt.Fprintf(&b, "TP%d: %.2f\n", i+1, tp)
	}
	fmt.Fprintf(&b, "SL: %.2f", sig.StopLoss)
	return b.String()
}
