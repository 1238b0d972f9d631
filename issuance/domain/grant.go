package domain

import (
	"context"
	"time"
)

// GrantedResource é o cupom emitido. Sua existência prova que o decremento de
// estoque e a promoção na fila deram certo.
type GrantedResource struct {
	ID           string
	RequesterID  string
	ResourceType string
	// RequestID é o pedido assíncrono que originou o cupom; vazio no caminho sync.
	RequestID string
	IssuedAt  time.Time
	Used      bool
	UsedAt    *time.Time
}

// GrantRepository é o colaborador de persistência.
//
// InTx executa fn dentro de uma transação; as chamadas feitas com o ctx recebido
// por fn participam dela. Erro de fn faz rollback.
type GrantRepository interface {
	Save(ctx context.Context, g GrantedResource) (GrantedResource, error)
	// FindExisting devolve (nil, nil) quando não há emissão.
	FindExisting(ctx context.Context, requesterID, resourceType string) (*GrantedResource, error)
	Get(ctx context.Context, grantID string) (GrantedResource, error)
	// MarkUsed devolve false se o cupom já estava usado.
	MarkUsed(ctx context.Context, grantID string, at time.Time) (bool, error)
	// ReleaseUsage desmarca o uso; false se o cupom não estava usado.
	ReleaseUsage(ctx context.Context, grantID string) (bool, error)
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
