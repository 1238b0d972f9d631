package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"coupon-issuance/issuance/domain"
	"coupon-issuance/issuance/obs"

	"go.uber.org/zap"
)

// Compensator desfaz os efeitos de uma reserva que expirou.
//
// Passos 1 (estoque, uma devolução por unidade) e 2 (uso do cupom) são fatais:
// falha vira ErrCompensationFailure. Passo 3 (agregados de ranking) é
// best-effort. O progresso fica registrado por reserva: uma nova tentativa
// depois de falha continua da primeira unidade não devolvida, e uma compensação
// concluída rejeita chamadas seguintes com ErrAlreadyCompensated.
type Compensator struct {
	Stock   domain.StockLedger
	Grants  domain.GrantRepository
	Ranking domain.RankingStore

	Logger  *zap.Logger
	Metrics *obs.Metrics
	Now     func() time.Time

	mu       sync.Mutex
	progress map[string]*compensation
}

type compensation struct {
	restored      int64
	usageReleased bool
	running       bool
	done          bool
}

func (c *Compensator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Compensator) begin(id string) (compensation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.progress == nil {
		c.progress = make(map[string]*compensation)
	}
	p, ok := c.progress[id]
	if !ok {
		p = &compensation{}
		c.progress[id] = p
	}
	if p.done {
		return *p, fmt.Errorf("%w: %s", domain.ErrAlreadyCompensated, id)
	}
	if p.running {
		return *p, fmt.Errorf("%w: %s", domain.ErrCompensationRunning, id)
	}
	p.running = true
	return *p, nil
}

func (c *Compensator) update(id string, fn func(p *compensation)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.progress[id])
}

// Compensate devolve estoque e uso do cupom de r e ajusta os rankings.
func (c *Compensator) Compensate(ctx context.Context, r domain.Reservation) error {
	logger := obs.OrNop(c.Logger).With(
		zap.String("reservation_id", r.ID),
		zap.String("requester_id", r.RequesterID),
		zap.String("grant_id", r.GrantID),
	)

	p, err := c.begin(r.ID)
	if err != nil {
		c.Metrics.Compensate("duplicate")
		return err
	}

	if err := c.restoreStock(ctx, r, p.restored); err != nil {
		return c.fatal(logger, r.ID, err)
	}

	if !p.usageReleased && r.GrantID != "" {
		released, err := c.Grants.ReleaseUsage(ctx, r.GrantID)
		if err != nil {
			return c.fatal(logger, r.ID, fmt.Errorf("release usage of grant %s: %w", r.GrantID, err))
		}
		if !released {
			logger.Info("grant was not marked used, nothing to release")
		}
		c.update(r.ID, func(p *compensation) { p.usageReleased = true })
	}

	if c.Ranking != nil {
		for _, it := range r.Items {
			err := c.Ranking.Record(ctx, domain.RankingEvent{
				Board:  domain.BoardReserved,
				Member: it.ResourceType,
				Delta:  -it.Quantity,
				At:     c.now(),
			})
			if err != nil {
				logger.Warn("ranking adjustment failed", zap.String("resource_type", it.ResourceType), zap.Error(err))
			}
		}
	}

	c.update(r.ID, func(p *compensation) {
		p.running = false
		p.done = true
	})
	c.Metrics.Compensate("success")
	logger.Info("reservation compensated", zap.Int64("units", r.Units()))
	return nil
}

// restoreStock devolve uma unidade por chamada, pulando as `skip` primeiras
// (já devolvidas numa tentativa anterior).
func (c *Compensator) restoreStock(ctx context.Context, r domain.Reservation, skip int64) error {
	var unit int64
	for _, it := range r.Items {
		for q := int64(0); q < it.Quantity; q++ {
			unit++
			if unit <= skip {
				continue
			}
			if err := c.Stock.Rollback(ctx, it.ResourceType); err != nil {
				return fmt.Errorf("restore unit %d of %s: %w", unit, it.ResourceType, err)
			}
			c.update(r.ID, func(p *compensation) { p.restored = unit })
		}
	}
	return nil
}

func (c *Compensator) fatal(logger *zap.Logger, id string, err error) error {
	c.update(id, func(p *compensation) { p.running = false })
	c.Metrics.Compensate("failure")
	err = fmt.Errorf("%w: %w", domain.ErrCompensationFailure, err)
	logger.Error("compensation failed", zap.Error(err))
	return err
}
