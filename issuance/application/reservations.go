package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coupon-issuance/issuance/domain"
	"coupon-issuance/issuance/obs"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultReservationTimeout = 10 * time.Minute

type OpenReservation struct {
	RequesterID string
	GrantID     string
	Items       []domain.ReservedItem
}

// Reservations é o compromisso posterior à emissão (ex.: pedido aguardando
// pagamento). Abrir marca o cupom como usado, reserva o estoque dos itens e arma
// um timer; se o timer disparar antes de Confirm, a reserva é compensada.
//
// Os timers são locais ao processo que abriu a reserva.
type Reservations struct {
	Catalog     domain.Catalog
	Grants      domain.GrantRepository
	Stock       domain.StockLedger
	Ranking     domain.RankingStore
	Compensator *Compensator

	Timeout time.Duration
	Logger  *zap.Logger
	Metrics *obs.Metrics
	Now     func() time.Time

	mu      sync.Mutex
	entries map[string]*reservationEntry
}

type reservationEntry struct {
	res   domain.Reservation
	timer *time.Timer
}

func (s *Reservations) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Reservations) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultReservationTimeout
}

// Open devolve ErrGrantUnavailable se o cupom não existe, é de outro requester
// ou já está em uso, e ErrStockExhausted se algum item acabou (nada fica
// reservado nesse caso).
func (s *Reservations) Open(ctx context.Context, req OpenReservation) (domain.Reservation, error) {
	logger := obs.OrNop(s.Logger)

	if len(req.Items) == 0 {
		return domain.Reservation{}, errors.New("reservation needs at least one item")
	}
	for _, it := range req.Items {
		if it.Quantity <= 0 {
			return domain.Reservation{}, fmt.Errorf("item %q: quantity must be > 0", it.ResourceType)
		}
		if _, ok := s.Catalog.Lookup(it.ResourceType); !ok {
			return domain.Reservation{}, fmt.Errorf("%w: %q", domain.ErrInvalidResourceType, it.ResourceType)
		}
	}

	grant, err := s.Grants.Get(ctx, req.GrantID)
	if errors.Is(err, domain.ErrGrantNotFound) {
		return domain.Reservation{}, fmt.Errorf("%w: grant %s not found", domain.ErrGrantUnavailable, req.GrantID)
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("load grant: %w", err)
	}
	if grant.RequesterID != req.RequesterID {
		return domain.Reservation{}, fmt.Errorf("%w: grant %s belongs to another requester", domain.ErrGrantUnavailable, req.GrantID)
	}

	now := s.now()
	marked, err := s.Grants.MarkUsed(ctx, req.GrantID, now)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("mark grant used: %w", err)
	}
	if !marked {
		return domain.Reservation{}, fmt.Errorf("%w: grant %s already used", domain.ErrGrantUnavailable, req.GrantID)
	}

	if err := s.reserveItems(ctx, req); err != nil {
		if _, uerr := s.Grants.ReleaseUsage(context.WithoutCancel(ctx), req.GrantID); uerr != nil {
			err = errors.Join(err, fmt.Errorf("%w: release usage of grant %s: %w", domain.ErrCompensationFailure, req.GrantID, uerr))
		}
		s.Metrics.Reservation("rejected")
		if !domain.IsRejection(err) {
			logger.Warn("reservation not opened", zap.String("grant_id", req.GrantID), zap.Error(err))
		}
		return domain.Reservation{}, err
	}

	res := domain.Reservation{
		ID:          uuid.NewString(),
		RequesterID: req.RequesterID,
		GrantID:     req.GrantID,
		Items:       append([]domain.ReservedItem(nil), req.Items...),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.timeout()),
		State:       domain.ReservationPending,
	}

	s.mu.Lock()
	if s.entries == nil {
		s.entries = make(map[string]*reservationEntry)
	}
	id := res.ID
	s.entries[id] = &reservationEntry{
		res:   res,
		timer: time.AfterFunc(s.timeout(), func() { s.expire(id) }),
	}
	s.mu.Unlock()

	if s.Ranking != nil {
		for _, it := range res.Items {
			err := s.Ranking.Record(ctx, domain.RankingEvent{Board: domain.BoardReserved, Member: it.ResourceType, Delta: it.Quantity, At: now})
			if err != nil {
				logger.Warn("ranking update failed", zap.String("resource_type", it.ResourceType), zap.Error(err))
			}
		}
	}

	s.Metrics.Reservation("opened")
	logger.Info("reservation opened",
		zap.String("reservation_id", res.ID),
		zap.String("grant_id", res.GrantID),
		zap.Int64("units", res.Units()),
		zap.Time("expires_at", res.ExpiresAt))
	return res, nil
}

// reserveItems reserva unidade por unidade; no primeiro esgotamento devolve o
// que já tinha pego.
func (s *Reservations) reserveItems(ctx context.Context, req OpenReservation) error {
	var taken []string
	undo := func(cause error) error {
		errs := []error{cause}
		for _, rt := range taken {
			if err := s.Stock.Rollback(context.WithoutCancel(ctx), rt); err != nil {
				errs = append(errs, fmt.Errorf("%w: stock rollback for %s: %w", domain.ErrCompensationFailure, rt, err))
			}
		}
		return errors.Join(errs...)
	}

	for _, it := range req.Items {
		for q := int64(0); q < it.Quantity; q++ {
			remaining, err := s.Stock.Reserve(ctx, it.ResourceType)
			if err != nil {
				return undo(fmt.Errorf("reserve %s: %w", it.ResourceType, err))
			}
			taken = append(taken, it.ResourceType)
			if remaining < 0 {
				return undo(fmt.Errorf("%w: %s", domain.ErrStockExhausted, it.ResourceType))
			}
		}
	}
	return nil
}

// Confirm fecha a reserva com sucesso (ex.: pagamento aprovado).
func (s *Reservations) Confirm(ctx context.Context, id string) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return domain.Reservation{}, fmt.Errorf("%w: %s", domain.ErrReservationNotFound, id)
	}
	if e.res.State != domain.ReservationPending {
		return e.res, fmt.Errorf("%w: %s is %s", domain.ErrReservationClosed, id, e.res.State)
	}
	e.timer.Stop()
	e.res.State = domain.ReservationConfirmed
	s.Metrics.Reservation("confirmed")
	return e.res, nil
}

// Fail registra uma falha do passo posterior. Só FailureTimeout compensa;
// qualquer outra falha deixa a reserva aberta e o cupom continua válido.
//
// O timeout passa a reserva para COMPENSATING antes de soltar o mutex, então um
// Confirm concorrente é recusado. Se a compensação falhar, a reserva fica em
// COMPENSATING e um novo Fail(timeout) retoma de onde parou.
func (s *Reservations) Fail(ctx context.Context, id string, reason domain.FailureReason, detail string) (domain.Reservation, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return domain.Reservation{}, fmt.Errorf("%w: %s", domain.ErrReservationNotFound, id)
	}
	st := e.res.State
	resumable := st == domain.ReservationCompensating && reason == domain.FailureTimeout
	if st != domain.ReservationPending && !resumable {
		res := e.res
		s.mu.Unlock()
		return res, fmt.Errorf("%w: %s is %s", domain.ErrReservationClosed, id, res.State)
	}
	e.res.Failures++
	e.res.LastFailure = string(reason)
	if detail != "" {
		e.res.LastFailure += ": " + detail
	}
	if reason != domain.FailureTimeout {
		res := e.res
		s.mu.Unlock()
		return res, nil
	}
	e.timer.Stop()
	e.res.State = domain.ReservationCompensating
	res := e.res
	s.mu.Unlock()

	err := s.Compensator.Compensate(ctx, res)
	if err != nil && !errors.Is(err, domain.ErrAlreadyCompensated) {
		return res, err
	}

	s.mu.Lock()
	e.res.State = domain.ReservationCompensated
	res = e.res
	s.mu.Unlock()
	s.Metrics.Reservation("compensated")
	return res, err
}

func (s *Reservations) expire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.Fail(ctx, id, domain.FailureTimeout, "reservation expired")
	switch {
	case err == nil, errors.Is(err, domain.ErrReservationClosed):
	case errors.Is(err, domain.ErrCompensationFailure):
		// Compensator já logou em nível error; aqui só correlaciona com o timer.
		obs.OrNop(s.Logger).Error("expired reservation left unbalanced", zap.String("reservation_id", id))
	default:
		obs.OrNop(s.Logger).Warn("reservation expiry failed", zap.String("reservation_id", id), zap.Error(err))
	}
}

func (s *Reservations) Get(_ context.Context, id string) (domain.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.Reservation{}, false
	}
	return e.res, true
}

// Close desarma todos os timers.
func (s *Reservations) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		e.timer.Stop()
	}
}
