package infra

import (
	"context"
	"sync"
	"time"

	"coupon-issuance/issuance/domain"

	"golang.org/x/time/rate"
)

// LimiterStore guarda um token-bucket (x/time/rate) por requester, com limpeza
// periódica das chaves inativas.
type LimiterStore struct {
	mu           sync.Mutex
	entries      map[string]*limiterEntry
	rps          rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type LimiterOption func(*LimiterStore)

func WithIdleTTL(d time.Duration) LimiterOption {
	return func(s *LimiterStore) { s.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) LimiterOption {
	return func(s *LimiterStore) { s.cleanupEvery = d }
}

func NewLimiterStore(rps float64, burst int, opts ...LimiterOption) *LimiterStore {
	s := &LimiterStore{
		entries:      make(map[string]*limiterEntry),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LimiterStore) RPS() float64 { return float64(s.rps) }
func (s *LimiterStore) Burst() int   { return s.burst }

// Get implementa domain.LimiterStore.
func (s *LimiterStore) Get(key string) domain.Limiter {
	return s.limiter(key)
}

func (s *LimiterStore) limiter(key string) *rate.Limiter {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(s.rps, s.burst)
	s.entries[key] = &limiterEntry{lim: lim, lastSeen: now}
	return lim
}

// Len devolve quantas chaves estão em cache.
func (s *LimiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *LimiterStore) Cleanup() {
	cutoff := s.now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor limpa chaves inativas até ctx encerrar.
func (s *LimiterStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}
	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}
