package quota

import (
	"context"
	"errors"
	"sync"
)

// ErrTierNotFound is returned by a TierSource when no override exists for a
// class; the service then falls back to the default tier.
var ErrTierNotFound = errors.New("quota tier not found")

// TierSource resolves the quota tier for a consumer class. Implementations
// are expected to be slow (file, database, remote service); the service
// caches results and tolerates source failures by falling back to the
// default tier.
type TierSource interface {
	Fetch(ctx context.Context, classID string) (Tier, error)
}

// StaticSource serves tiers from a fixed in-memory map. Used at bootstrap
// and in tests.
type StaticSource struct {
	mu    sync.RWMutex
	tiers map[string]Tier
}

// NewStaticSource creates a StaticSource with the given tiers.
func NewStaticSource(tiers map[string]Tier) *StaticSource {
	if tiers == nil {
		tiers = make(map[string]Tier)
	}
	return &StaticSource{tiers: tiers}
}

// Fetch implements TierSource.
func (s *StaticSource) Fetch(_ context.Context, classID string) (Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tiers[classID]
	if !ok {
		return Tier{}, ErrTierNotFound
	}
	return t, nil
}

// Set adds or replaces a class tier.
func (s *StaticSource) Set(classID string, t Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[classID] = t
}
