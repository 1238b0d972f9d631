package domain

import (
	"context"
	"time"
)

const (
	BoardIssued   = "issued"
	BoardReserved = "reserved"
)

// RankingEvent ajusta um agregado de ranking (somente relatório).
//
// Observação: cuidado com cardinalidade de Member; aqui é o tipo de recurso.
type RankingEvent struct {
	Board  string
	Member string
	Delta  int64
	At     time.Time
}

// RankingStore persiste agregados de ranking. Quem chama trata erro como
// best-effort.
type RankingStore interface {
	Record(ctx context.Context, ev RankingEvent) error
}
