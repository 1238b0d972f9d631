package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coupon-issuance/issuance/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// grantRun guarda o progresso de uma emissão. As flags dizem o que desfazer.
type grantRun struct {
	requesterID  string
	resourceType string
	requestID    string

	state    domain.IssueState
	claimed  bool
	reserved bool
	promoted bool
	// resumed: o cupom já existia para este mesmo pedido (reentrega).
	resumed bool

	position int64
	sequence int64
	grant    domain.GrantedResource
}

func newGrantRun(requesterID, resourceType, requestID string) *grantRun {
	return &grantRun{requesterID: requesterID, resourceType: resourceType, requestID: requestID, state: domain.StateStart}
}

// granter é o algoritmo de emissão compartilhado pelos dois caminhos.
// Quem chama garante um único escritor por tipo de recurso (lock ou partição).
type granter struct {
	grants domain.GrantRepository
	stock  domain.StockLedger
	queue  domain.FairnessQueue
	logger *zap.Logger
	now    func() time.Time
}

// steps: checagem de duplicidade, posição na fila, reserva de estoque,
// persistência e promoção. Não desfaz nada; isso é papel de unwinding.
func (g granter) steps(run *grantRun) Step {
	return func(ctx context.Context) error {
		run.state = domain.StateDuplicateCheck
		existing, err := g.grants.FindExisting(ctx, run.requesterID, run.resourceType)
		if err != nil {
			return fmt.Errorf("find existing grant: %w", err)
		}
		if existing != nil && run.requestID != "" && existing.RequestID == run.requestID {
			// o pedido já foi emitido antes de uma queda; só falta decidir.
			run.grant = *existing
			run.resumed = true
			run.state = domain.StateIssued
			return nil
		}
		if existing != nil {
			return fmt.Errorf("%w: already issued as %s", domain.ErrDuplicateClaim, existing.ID)
		}

		pos, err := g.queue.ClaimPosition(ctx, run.resourceType, run.requesterID)
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			return fmt.Errorf("%w: %w", domain.ErrDuplicateClaim, err)
		}
		if err != nil {
			return fmt.Errorf("claim position: %w", err)
		}
		run.claimed = true
		run.position = pos
		run.state = domain.StatePositionClaimed

		remaining, err := g.stock.Reserve(ctx, run.resourceType)
		if err != nil {
			return fmt.Errorf("reserve stock: %w", err)
		}
		run.reserved = true
		if remaining < 0 {
			return domain.ErrStockExhausted
		}
		run.state = domain.StateStockReserved

		saved, err := g.grants.Save(ctx, domain.GrantedResource{
			ID:           uuid.NewString(),
			RequesterID:  run.requesterID,
			ResourceType: run.resourceType,
			RequestID:    run.requestID,
			IssuedAt:     g.now(),
		})
		if err != nil {
			return fmt.Errorf("save grant: %w", err)
		}
		run.grant = saved
		run.state = domain.StatePersisted

		seq, err := g.queue.Promote(ctx, run.resourceType, run.requesterID)
		if err != nil {
			return fmt.Errorf("promote position: %w", err)
		}
		run.promoted = true
		run.sequence = seq
		run.state = domain.StateIssued
		return nil
	}
}

// unwinding fica fora da transação: quando next falha (inclusive no commit) a
// persistência já foi desfeita e resta devolver estoque e posição.
func (g granter) unwinding(run *grantRun) Guard {
	return func(next Step) Step {
		return func(ctx context.Context) error {
			err := next(ctx)
			if err == nil {
				return nil
			}
			return g.unwind(ctx, run, err)
		}
	}
}

func (g granter) unwind(ctx context.Context, run *grantRun, cause error) error {
	ctx = context.WithoutCancel(ctx)
	failedAt := run.state
	run.state = domain.StateRejected
	run.grant = domain.GrantedResource{}
	errs := []error{cause}

	if run.reserved {
		if err := g.stock.Rollback(ctx, run.resourceType); err != nil {
			g.logger.Error("stock rollback failed",
				zap.String("resource_type", run.resourceType),
				zap.String("requester_id", run.requesterID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%w: stock rollback for %s: %w", domain.ErrCompensationFailure, run.resourceType, err))
		}
		run.reserved = false
	}

	// a posição é consultiva: falha aqui só é logada.
	switch {
	case run.promoted:
		if err := g.queue.Forget(ctx, run.resourceType, run.requesterID); err != nil {
			g.logger.Warn("forget position failed", zap.String("resource_type", run.resourceType),
				zap.String("requester_id", run.requesterID), zap.Error(err))
		}
	case run.claimed:
		if err := g.queue.Revoke(ctx, run.resourceType, run.requesterID); err != nil {
			g.logger.Warn("revoke position failed", zap.String("resource_type", run.resourceType),
				zap.String("requester_id", run.requesterID), zap.Error(err))
		}
	}
	run.claimed, run.promoted = false, false

	if !domain.IsRejection(cause) {
		g.logger.Warn("issuance rolled back",
			zap.String("resource_type", run.resourceType),
			zap.String("requester_id", run.requesterID),
			zap.String("state", string(failedAt)),
			zap.Error(cause))
	}
	return errors.Join(errs...)
}

// reasonOf traduz o erro para o errorReason gravado no pedido.
func reasonOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrCompensationFailure):
		return "COMPENSATION_FAILURE: " + err.Error()
	case errors.Is(err, domain.ErrStockExhausted):
		return "STOCK_EXHAUSTED"
	case errors.Is(err, domain.ErrDuplicateClaim):
		return "DUPLICATE_CLAIM"
	case errors.Is(err, domain.ErrInvalidResourceType):
		return "INVALID_RESOURCE_TYPE"
	case errors.Is(err, domain.ErrPathNotAllowed):
		return "PATH_NOT_ALLOWED"
	case errors.Is(err, domain.ErrResourceBusy):
		return "RESOURCE_BUSY"
	case errors.Is(err, domain.ErrBrokerDelivery):
		return "BROKER_DELIVERY_FAILURE: " + err.Error()
	default:
		return err.Error()
	}
}

// resultOf é o rótulo de métrica de uma decisão.
func resultOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrCompensationFailure):
		return "error"
	case errors.Is(err, domain.ErrStockExhausted):
		return "exhausted"
	case errors.Is(err, domain.ErrDuplicateClaim):
		return "duplicate"
	case errors.Is(err, domain.ErrResourceBusy):
		return "busy"
	case errors.Is(err, domain.ErrInvalidResourceType), errors.Is(err, domain.ErrPathNotAllowed):
		return "invalid"
	default:
		return "error"
	}
}
