package domain

import "context"

// Rank é a posição 0-based de um requester. Issued indica se a posição é no
// conjunto permanente de emitidos (ordem de emissão) ou na fila provisória
// (ordem de chegada).
type Rank struct {
	Position int64
	Issued   bool
}

type RankedRequester struct {
	RequesterID string
	Rank        int64
}

// FairnessQueue registra a ordem de chegada por tipo de recurso.
//
// O rank é observacional: quem decide a admissão é o StockLedger. A fila serve
// para barrar tentativas duplicadas antes de consumir estoque e para auditoria.
type FairnessQueue interface {
	// ClaimPosition devolve ErrAlreadyClaimed se o requester já tem posição
	// provisória ou já foi emitido.
	ClaimPosition(ctx context.Context, resourceType, requesterID string) (int64, error)
	// Promote move a entrada provisória para o conjunto de emitidos e devolve a
	// sequência de emissão (1-based).
	Promote(ctx context.Context, resourceType, requesterID string) (int64, error)
	Revoke(ctx context.Context, resourceType, requesterID string) error
	// Forget remove o requester dos dois conjuntos.
	Forget(ctx context.Context, resourceType, requesterID string) error
	RankOf(ctx context.Context, resourceType, requesterID string) (Rank, bool, error)
	TopN(ctx context.Context, resourceType string, n int64) ([]RankedRequester, error)
	Counts(ctx context.Context, resourceType string) (queued, issued int64, err error)
}
