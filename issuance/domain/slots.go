package domain

import "context"

// SlotPool representa um recurso local com capacidade finita.
//
// A semântica é: Acquire bloqueia até conseguir uma vaga ou até o ctx encerrar.
// Ao adquirir, retorna uma função de release que deve ser chamada exatamente uma vez.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
}

// KeyedSlots entrega um SlotPool por chave (ex.: tipo de recurso).
type KeyedSlots interface {
	For(key string) SlotPool
}
