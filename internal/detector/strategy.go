// Package detector provides the opportunity detection strategies and a
// detector loop that runs them over market snapshots.
package detector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sureside/arbot/internal/domain"
)

// Strategy evaluates one market snapshot and returns zero or more candidate
// opportunities. Detection is read-only over the snapshot and safe to run
// in parallel across markets.
type Strategy interface {
	Kind() domain.StrategyKind
	// Detect returns opportunities found in the snapshot. For the late-market
	// strategy the external reference feed is consulted; the other strategies
	// use the snapshot alone.
	Detect(ctx context.Context, snap domain.MarketSnapshot) ([]domain.Opportunity, error)
}

// Registry holds named strategies for selection by config.
type Registry struct {
	strategies map[domain.StrategyKind]Strategy
	mu         sync.RWMutex
}

// NewRegistry returns an empty registry. Call Register to add strategies.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[domain.StrategyKind]Strategy)}
}

// Register adds a strategy under its kind.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Kind()] = s
}

// Get returns the strategy for kind, or an error if not registered.
func (r *Registry) Get(kind domain.StrategyKind) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("detector: strategy %q not registered", kind)
	}
	return s, nil
}

// All returns the registered strategies in a stable order.
func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out
}
