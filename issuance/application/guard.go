package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coupon-issuance/issuance/domain"
	"coupon-issuance/issuance/obs"

	"go.uber.org/zap"
)

// Step é a operação protegida pelos guardas.
type Step func(ctx context.Context) error

// Guard embrulha um Step. Guards são compostos com Chain.
type Guard func(next Step) Step

// Chain aplica os guardas na ordem dada: guards[0] é o mais externo.
func Chain(step Step, guards ...Guard) Step {
	for i := len(guards) - 1; i >= 0; i-- {
		step = guards[i](step)
	}
	return step
}

type LockOptions struct {
	TTL        time.Duration
	Retries    int
	RetryDelay time.Duration
}

func (o LockOptions) withDefaults() LockOptions {
	if o.TTL <= 0 {
		o.TTL = 3 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 20 * time.Millisecond
	}
	return o
}

// DistributedLock segura o lock de `key` durante todo o next.
// Esgotar as tentativas vira ErrResourceBusy.
func DistributedLock(locks domain.LockCoordinator, key string, opts LockOptions, logger *zap.Logger, metrics *obs.Metrics) Guard {
	opts = opts.withDefaults()
	logger = obs.OrNop(logger)

	return func(next Step) Step {
		return func(ctx context.Context) error {
			token, err := locks.Acquire(ctx, key, opts.TTL, opts.Retries, opts.RetryDelay)
			if err != nil {
				if errors.Is(err, domain.ErrLockBusy) {
					metrics.LockAcquire("busy")
				} else {
					metrics.LockAcquire("error")
				}
				return fmt.Errorf("%w: %w", domain.ErrResourceBusy, err)
			}
			metrics.LockAcquire("success")

			defer func() {
				// libera mesmo se o ctx do chamador já foi cancelado.
				released, err := locks.Release(context.WithoutCancel(ctx), key, token)
				switch {
				case err != nil:
					metrics.LockRelease("error")
					logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
				case !released:
					metrics.LockRelease("stale")
					logger.Warn("lock expired before release", zap.String("key", key), zap.Duration("ttl", opts.TTL))
				default:
					metrics.LockRelease("released")
				}
			}()

			return next(ctx)
		}
	}
}

// LocalExclusive serializa, dentro do processo, quem usa a mesma chave.
// É otimização, não requisito de corretude.
func LocalExclusive(slots domain.KeyedSlots, key string) Guard {
	return func(next Step) Step {
		if slots == nil {
			return next
		}
		return func(ctx context.Context) error {
			release, ok := slots.For(key).Acquire(ctx)
			if !ok {
				return fmt.Errorf("%w: local guard: %v", domain.ErrResourceBusy, ctx.Err())
			}
			defer release()
			return next(ctx)
		}
	}
}

// Transaction executa next numa transação de persistência.
func Transaction(grants domain.GrantRepository) Guard {
	return func(next Step) Step {
		return func(ctx context.Context) error {
			return grants.InTx(ctx, func(ctx context.Context) error { return next(ctx) })
		}
	}
}
