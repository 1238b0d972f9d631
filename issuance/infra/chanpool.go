package infra

import (
	"context"
	"sync"

	"coupon-issuance/issuance/domain"
)

type chanPool struct {
	sem chan struct{}
}

// NewChanPool cria um pool simples baseado em channel com capacidade `max`.
func NewChanPool(max int) domain.SlotPool {
	if max <= 0 {
		max = 1
	}
	return &chanPool{sem: make(chan struct{}, max)}
}

func (p *chanPool) Acquire(ctx context.Context) (func(), bool) {
	select {
	case p.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-p.sem }) }, true
	case <-ctx.Done():
		return nil, false
	}
}

// KeyedPool mantém um chanPool de capacidade 1 por chave: exclusão mútua local
// ao processo. Os pools são criados sob demanda e nunca removidos; o número de
// chaves é o número de tipos de recurso do catálogo.
type KeyedPool struct {
	mu    sync.Mutex
	pools map[string]domain.SlotPool
	size  int
}

func NewKeyedPool(size int) *KeyedPool {
	if size <= 0 {
		size = 1
	}
	return &KeyedPool{pools: make(map[string]domain.SlotPool), size: size}
}

func (k *KeyedPool) For(key string) domain.SlotPool {
	k.mu.Lock()
	defer k.mu.Unlock()

	p, ok := k.pools[key]
	if !ok {
		p = NewChanPool(k.size)
		k.pools[key] = p
	}
	return p
}
