package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"signalcore/internal/models"
)

const (
	BriefingDaily  = "daily"
	BriefingWeekly = "weekly"
)

// briefingCatchUp bounds how late a missed occurrence is still sent after a restart.
const briefingCatchUp = time.Hour

type briefing struct {
	def      models.BriefingSchedule
	schedule cron.Schedule
	next     time.Time
}

func (b *briefing) key() string {
	return b.def.Name + "|" + b.def.Cron
}

// dueBriefing is one occurrence ready to send.
type dueBriefing struct {
	def        models.BriefingSchedule
	key        string
	occurrence time.Time
}

// parseBriefings compiles the tenant's briefing crons (UTC). Invalid entries are returned as errors and skipped.
// sent holds the last occurrence delivered per briefing key.
func parseBriefings(cfg *models.TenantConfig, now time.Time, sent map[string]time.Time) ([]*briefing, []error) {
	schedules, err := cfg.BriefingSchedules()
	if err != nil {
		return nil, []error{err}
	}

	var out []*briefing
	var errs []error
	for _, def := range schedules {
		sched, err := cron.ParseStandard(def.Cron)
		if err != nil {
			errs = append(errs, fmt.Errorf("briefing %q: %w", def.Name, err))
			continue
		}
		b := &briefing{def: def, schedule: sched}
		b.next = firstFire(sched, now, sent[b.key()])
		out = append(out, b)
	}
	return out, errs
}

// firstFire is the latest occurrence at or before now when it falls within
// briefingCatchUp and after lastSent. Otherwise it is the next occurrence.
func firstFire(sched cron.Schedule, now, lastSent time.Time) time.Time {
	now = now.UTC()
	var missed time.Time
	for t := sched.Next(now.Add(-briefingCatchUp - time.Second)); !t.IsZero() && !t.After(now); t = sched.Next(t) {
		missed = t
	}
	if !missed.IsZero() && missed.After(lastSent) {
		return missed
	}
	return sched.Next(now)
}

// recapWindow is how far back a briefing of kind looks.
func recapWindow(kind string) time.Duration {
	if kind == BriefingWeekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// BriefingText summarises the signals opened and closed since the window start.
func BriefingText(cfg *models.TenantConfig, kind string, opened, closed []models.Signal) string {
	title := "Daily briefing"
	if kind == BriefingWeekly {
		title = "Weekly briefing"
	}

	var wins, losses int
	var net float64
	for _, s := range closed {
		net += s.RealizedPnL
		switch {
		case s.RealizedPnL > 0:
			wins++
		case s.RealizedPnL < 0:
			losses++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", cfg.Instrument, title)
	fmt.Fprintf(&b, "Signals opened: %d\n", len(opened))
	fmt.Fprintf(&b, "Closed: %d (%d won, %d lost)\n", len(closed), wins, losses)
	fmt.Fprintf(&b, "Net P&L: %.2f", net)
	return b.String()
}

func (s *TenantScheduler) runBriefings(ctx context.Context) error {
	cfg := s.state.Config()
	now := s.now()

	for _, due := range s.state.dueBriefings(now) {
		def := due.def
		since := now.Add(-recapWindow(def.Kind))
		opened, err := s.deps.Signals.ListCreatedSince(ctx, cfg.TenantID, since)
		if err != nil {
			return err
		}
		closed, err := s.deps.Signals.ListClosedSince(ctx, cfg.TenantID, since)
		if err != nil {
			return err
		}

		role := def.BotRole
		if role == "" {
			role = cfg.SignalBotRole
		}
		channel := def.ChannelType
		if channel == "" {
			channel = cfg.SignalChannel
		}
		if err := s.deps.Sender.SendToChannel(ctx, cfg.TenantID, role, BriefingText(cfg, def.Kind, opened, closed), channel); err != nil {
			return fmt.Errorf("briefing %q: %w", def.Name, err)
		}
		logger := s.logger.WithFields(log.Fields{"briefing": def.Name, "occurrence": due.occurrence})
		if err := s.deps.Tenants.MarkBriefingSent(ctx, cfg.TenantID, due.key, due.occurrence); err != nil {
			logger.WithError(err).Warn("Failed to record briefing delivery")
		}
		logger.Info("Briefing sent")
	}
	return nil
}
