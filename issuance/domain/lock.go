package domain

import (
	"context"
	"time"
)

// LockToken identifica quem criou a entrada de lock. Só o dono libera.
type LockToken string

// LockCoordinator é a exclusão mútua distribuída sobre o store compartilhado.
//
// Acquire é um único "set if absent com expiração"; ao ser recusado tenta de novo
// até `retries` vezes com `retryDelay` entre tentativas e então devolve ErrLockBusy.
// Release é um compare-and-delete: chave ausente ou token diferente retornam false
// sem erro (quase sempre é um lock que já expirou).
type LockCoordinator interface {
	Acquire(ctx context.Context, key string, ttl time.Duration, retries int, retryDelay time.Duration) (LockToken, error)
	Release(ctx context.Context, key string, token LockToken) (bool, error)
	IsHeld(ctx context.Context, key string) (bool, error)
	RemainingTTL(ctx context.Context, key string) (time.Duration, bool, error)
}
