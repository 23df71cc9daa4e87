package upstream

import (
	"sort"
	"sync"
	"time"
)

// BreakerSet holds one lazily created Breaker per upstream model ID.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	failureThreshold      int
	recoveryProbeInterval time.Duration
	onOpen                []func(model string)
}

func NewBreakerSet(failureThreshold int, recoveryProbeInterval time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers:              make(map[string]*Breaker),
		failureThreshold:      failureThreshold,
		recoveryProbeInterval: recoveryProbeInterval,
	}
}

// OnOpen registers a callback run whenever a model's breaker opens. Register
// callbacks before serving traffic.
func (s *BreakerSet) OnOpen(fn func(model string)) {
	s.onOpen = append(s.onOpen, fn)
}

// Get returns (or lazily creates) the breaker for a model.
func (s *BreakerSet) Get(model string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[model]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[model]; ok {
		return b
	}
	b = NewBreaker(s.failureThreshold, s.recoveryProbeInterval)
	s.breakers[model] = b
	return b
}

func (s *BreakerSet) Allow(model string) bool {
	return s.Get(model).Allow()
}

func (s *BreakerSet) RecordSuccess(model string) {
	s.Get(model).RecordSuccess()
}

func (s *BreakerSet) RecordFailure(model string) {
	if s.Get(model).RecordFailure() {
		for _, fn := range s.onOpen {
			fn(model)
		}
	}
}

func (s *BreakerSet) Abandon(model string) {
	s.Get(model).Abandon()
}

// OpenModels lists models whose breaker is not closed, sorted by ID.
func (s *BreakerSet) OpenModels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, b := range s.breakers {
		if b.State() != BreakerClosed {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Prune drops breakers for models not in keep, the IDs of the latest snapshot.
func (s *BreakerSet) Prune(keep map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.breakers {
		if _, ok := keep[id]; !ok {
			delete(s.breakers, id)
		}
	}
}
