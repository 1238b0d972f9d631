package application

import (
	"context"
	"fmt"

	"coupon-issuance/issuance/domain"
)

const maxTopN = 1000

// StatusReader responde consultas sobre um tipo de recurso. Nada aqui trava:
// os números são um retrato e podem estar desatualizados logo em seguida.
type StatusReader struct {
	Catalog domain.Catalog
	Stock   domain.StockLedger
	Queue   domain.FairnessQueue
}

func (s *StatusReader) QueueStatus(ctx context.Context, resourceType string) (domain.QueueStatus, error) {
	if _, ok := s.Catalog.Lookup(resourceType); !ok {
		return domain.QueueStatus{}, fmt.Errorf("%w: %q", domain.ErrInvalidResourceType, resourceType)
	}
	queued, issued, err := s.Queue.Counts(ctx, resourceType)
	if err != nil {
		return domain.QueueStatus{}, fmt.Errorf("queue counts: %w", err)
	}
	remaining, err := s.Stock.Remaining(ctx, resourceType)
	if err != nil {
		return domain.QueueStatus{}, fmt.Errorf("remaining stock: %w", err)
	}
	// um Reserve em voo pode deixar o contador negativo por um instante.
	if remaining < 0 {
		remaining = 0
	}
	return domain.QueueStatus{
		ResourceType:   resourceType,
		IssuedCount:    issued,
		QueuedCount:    queued,
		RemainingStock: remaining,
		IsEnded:        remaining == 0,
	}, nil
}

// Top devolve os n primeiros emitidos, na ordem de emissão.
func (s *StatusReader) Top(ctx context.Context, resourceType string, n int64) ([]domain.RankedRequester, error) {
	if _, ok := s.Catalog.Lookup(resourceType); !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidResourceType, resourceType)
	}
	if n <= 0 {
		return []domain.RankedRequester{}, nil
	}
	if n > maxTopN {
		n = maxTopN
	}
	return s.Queue.TopN(ctx, resourceType, n)
}

func (s *StatusReader) Rank(ctx context.Context, resourceType, requesterID string) (domain.Rank, bool, error) {
	if _, ok := s.Catalog.Lookup(resourceType); !ok {
		return domain.Rank{}, false, fmt.Errorf("%w: %q", domain.ErrInvalidResourceType, resourceType)
	}
	return s.Queue.RankOf(ctx, resourceType, requesterID)
}
