package scheduler

import (
	"sync"
	"time"

	"signalcore/internal/models"
)

// State is the in-memory bookkeeping of one tenant scheduler. Only briefing
// deliveries are persisted, through the TenantStore.
type State struct {
	mu              sync.Mutex
	lastRun         map[string]time.Time
	running         map[string]bool
	config          *models.TenantConfig
	configUpdatedAt time.Time
	briefings       []*briefing
}

func newState() *State {
	return &State{
		lastRun: make(map[string]time.Time),
		running: make(map[string]bool),
	}
}

// due reports whether the task's interval has elapsed since its last start.
func (s *State) due(task string, interval time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[task]
	return !ok || now.Sub(last) >= interval
}

// start marks the task running. It returns false while a previous run is still in flight.
func (s *State) start(task string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[task] {
		return false
	}
	s.running[task] = true
	s.lastRun[task] = now
	return true
}

func (s *State) finish(task string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, task)
}

func (s *State) isRunning(task string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[task]
}

func (s *State) LastRun(task string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun[task]
}

func (s *State) Config() *models.TenantConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

func (s *State) seenConfig(updatedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config != nil && s.configUpdatedAt.Equal(updatedAt)
}

// setConfig swaps in a reloaded configuration. Briefings whose name and cron are
// unchanged keep their next fire time.
func (s *State) setConfig(cfg *models.TenantConfig, updatedAt time.Time, briefings []*briefing) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make(map[string]*briefing, len(s.briefings))
	for _, b := range s.briefings {
		prev[b.key()] = b
	}
	for i, b := range briefings {
		if old, ok := prev[b.key()]; ok {
			briefings[i].next = old.next
		}
	}

	s.config = cfg
	s.configUpdatedAt = updatedAt
	s.briefings = briefings
}

// dueBriefings returns briefings whose fire time has passed and advances them to
// their next occurrence after now, so each occurrence fires once.
func (s *State) dueBriefings(now time.Time) []dueBriefing {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []dueBriefing
	for _, b := range s.briefings {
		if now.Before(b.next) {
			continue
		}
		out = append(out, dueBriefing{def: b.def, key: b.key(), occurrence: b.next})
		b.next = b.schedule.Next(now.UTC())
	}
	return out
}
