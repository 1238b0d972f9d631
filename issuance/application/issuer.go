package application

import (
	"context"
	"fmt"
	"time"

	"coupon-issuance/issuance/domain"
	"coupon-issuance/issuance/obs"

	"go.uber.org/zap"
)

// Issuer é o caminho síncrono: decide a emissão durante a requisição.
type Issuer struct {
	Catalog domain.Catalog
	Locks   domain.LockCoordinator
	Stock   domain.StockLedger
	Queue   domain.FairnessQueue
	Grants  domain.GrantRepository
	Slots   domain.KeyedSlots

	Lock LockOptions
	// LockKey monta a chave do lock distribuído por tipo de recurso.
	LockKey func(resourceType string) string

	Events  *Dispatcher
	Logger  *zap.Logger
	Metrics *obs.Metrics
	Now     func() time.Time
}

func (s *Issuer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Issuer) lockKey(resourceType string) string {
	if s.LockKey != nil {
		return s.LockKey(resourceType)
	}
	return "lock:issue:" + resourceType
}

// IssueSync emite um cupom ou devolve a rejeição.
//
// Rejeições de negócio (ErrStockExhausted, ErrDuplicateClaim,
// ErrInvalidResourceType, ErrPathNotAllowed) são resultados normais;
// ErrResourceBusy é retentável pelo cliente.
func (s *Issuer) IssueSync(ctx context.Context, requesterID, resourceType string) (domain.GrantedResource, error) {
	start := time.Now()
	logger := obs.OrNop(s.Logger)

	if err := checkPath(s.Catalog, resourceType, domain.ModeSync); err != nil {
		s.Metrics.Issue("sync", resultOf(err), time.Since(start))
		return domain.GrantedResource{}, err
	}

	g := granter{grants: s.Grants, stock: s.Stock, queue: s.Queue, logger: logger, now: s.now}
	run := newGrantRun(requesterID, resourceType, "")

	step := Chain(g.steps(run),
		DistributedLock(s.Locks, s.lockKey(resourceType), s.Lock, logger, s.Metrics),
		LocalExclusive(s.Slots, resourceType),
		g.unwinding(run),
		Transaction(s.Grants),
	)
	err := step(ctx)

	s.Metrics.Issue("sync", resultOf(err), time.Since(start))
	s.Events.Publish(domain.IssuanceDecided{
		Path:         domain.ModeSync,
		RequesterID:  requesterID,
		ResourceType: resourceType,
		Success:      err == nil,
		GrantID:      run.grant.ID,
		Reason:       reasonOf(err),
		Position:     run.position,
		At:           s.now(),
	})

	if err != nil {
		if !domain.IsRejection(err) {
			logger.Warn("sync issuance failed",
				zap.String("resource_type", resourceType),
				zap.String("requester_id", requesterID),
				zap.Error(err))
		} else {
			logger.Debug("sync issuance rejected",
				zap.String("resource_type", resourceType),
				zap.String("requester_id", requesterID),
				zap.String("reason", reasonOf(err)))
		}
		return domain.GrantedResource{}, err
	}

	logger.Info("coupon issued",
		zap.String("resource_type", resourceType),
		zap.String("requester_id", requesterID),
		zap.String("grant_id", run.grant.ID),
		zap.Int64("position", run.position),
		zap.Int64("sequence", run.sequence))
	return run.grant, nil
}

func checkPath(catalog domain.Catalog, resourceType string, mode domain.Mode) error {
	spec, ok := catalog.Lookup(resourceType)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrInvalidResourceType, resourceType)
	}
	if !spec.Allows(mode) {
		return fmt.Errorf("%w: %q is %s-only", domain.ErrPathNotAllowed, resourceType, spec.Mode)
	}
	return nil
}
