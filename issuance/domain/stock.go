package domain

import "context"

// StockLedger é o contador atômico de estoque por tipo de recurso.
//
// Reserve faz um único decremento e devolve o valor após o decremento. Se for
// negativo o recurso acabou: o chamador precisa chamar Rollback uma vez e tratar
// como ErrStockExhausted.
type StockLedger interface {
	Reserve(ctx context.Context, resourceType string) (int64, error)
	Rollback(ctx context.Context, resourceType string) error

	// Init semeia o contador apenas se ele ainda não existir.
	Init(ctx context.Context, resourceType string, stock int64) (bool, error)
	// Reset sobrescreve o contador. Uso administrativo.
	Reset(ctx context.Context, resourceType string, stock int64) error
	Remaining(ctx context.Context, resourceType string) (int64, error)
}
