package strategy

import (
	"fmt"
	"sort"

	"signalcore/internal/models"
)

// Factory builds a strategy from its tenant parameters.
type Factory func(params map[string]float64) Strategy

type registration struct {
	priority int
	factory  Factory
}

// Registry maps strategy names to factories. Lower priority wins ties between eligible strategies.
type Registry struct {
	entries map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// DefaultRegistry returns a registry with the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("ema_cross", 10, NewEMACross)
	r.Register("breakout", 20, NewBreakout)
	r.Register("rsi_reversal", 30, NewRSIReversal)
	return r
}

func (r *Registry) Register(name string, priority int, factory Factory) {
	r.entries[name] = registration{priority: priority, factory: factory}
}

// Names returns the registered names in priority order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := r.entries[names[i]].priority, r.entries[names[j]].priority
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names
}

// Build instantiates the strategy named by setting.
func (r *Registry) Build(setting models.StrategySetting) (Strategy, error) {
	reg, ok := r.entries[setting.Name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrConfig, setting.Name)
	}
	return reg.factory(setting.Params), nil
}

func (r *Registry) priority(name string) int {
	return r.entries[name].priority
}
