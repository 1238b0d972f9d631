package infra

import (
	"context"
	"sync"

	"coupon-issuance/issuance/domain"
)

// MemoryRankingStore é uma implementação simples em memória.
// Útil para testes e desenvolvimento.
//
// Não faz expiração e não é indicada para produção.
type MemoryRankingStore struct {
	mu     sync.Mutex
	boards map[string]map[string]int64

	// fail força erro em Record (testes do caminho best-effort).
	fail error
}

type MemoryRankingOption func(*MemoryRankingStore)

func WithRankingFailure(err error) MemoryRankingOption {
	return func(s *MemoryRankingStore) { s.fail = err }
}

func NewMemoryRankingStore(opts ...MemoryRankingOption) *MemoryRankingStore {
	s := &MemoryRankingStore{boards: make(map[string]map[string]int64)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryRankingStore) Record(_ context.Context, ev domain.RankingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return s.fail
	}
	b, ok := s.boards[ev.Board]
	if !ok {
		b = make(map[string]int64)
		s.boards[ev.Board] = b
	}
	b[ev.Member] += ev.Delta
	return nil
}

func (s *MemoryRankingStore) Score(board, member string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boards[board][member]
}

func (s *MemoryRankingStore) Board(board string) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.boards[board]))
	for k, v := range s.boards[board] {
		out[k] = v
	}
	return out
}
