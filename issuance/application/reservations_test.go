package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"coupon-issuance/issuance/domain"

	"github.com/stretchr/testify/require"
)

func (h *harness) reservations(timeout time.Duration) *Reservations {
	r := &Reservations{
		Catalog: h.catalog,
		Grants:  h.grants,
		Stock:   h.stock,
		Ranking: h.ranking,
		Compensator: &Compensator{
			Stock:   h.stock,
			Grants:  h.grants,
			Ranking: h.ranking,
		},
		Timeout: timeout,
	}
	return r
}

func TestReservations_TimeoutCompensates(t *testing.T) {
	h := newHarness(t, domain.ResourceSpec{Type: "A", Stock: 5}, domain.ResourceSpec{Type: "B", Stock: 5})
	svc := h.reservations(30 * time.Millisecond)
	defer svc.Close()
	ctx := context.Background()

	g := h.issueGrant(t, "g1", "u1", "A")
	res, err := svc.Open(ctx, OpenReservation{
		RequesterID: "u1",
		GrantID:     g.ID,
		Items:       []domain.ReservedItem{{ResourceType: "A", Quantity: 2}, {ResourceType: "B", Quantity: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.ReservationPending, res.State)
	require.Equal(t, int64(3), h.remaining(t, "A"))
	require.Equal(t, int64(4), h.remaining(t, "B"))
	require.Equal(t, int64(2), h.ranking.Score(domain.BoardReserved, "A"))

	require.Eventually(t, func() bool {
		got, ok := svc.Get(ctx, res.ID)
		return ok && got.State == domain.ReservationCompensated
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, int64(5), h.remaining(t, "A"))
	require.Equal(t, int64(5), h.remaining(t, "B"))
	require.Equal(t, int64(0), h.ranking.Score(domain.BoardReserved, "A"))

	stored, err := h.grants.Get(ctx, g.ID)
	require.NoError(t, err)
	require.False(t, stored.Used, "grant usable again after compensation")

	_, err = svc.Confirm(ctx, res.ID)
	require.ErrorIs(t, err, domain.ErrReservationClosed)
}

func TestReservations_RejectedFailureDoesNotCompensate(t *testing.T) {
	h := newHarness(t, domain.ResourceSpec{Type: "A", Stock: 5})
	svc := h.reservations(time.Hour)
	defer svc.Close()
	ctx := context.Background()

	g := h.issueGrant(t, "g1", "u1", "A")
	res, err := svc.Open(ctx, OpenReservation{RequesterID: "u1", GrantID: g.ID, Items: []domain.ReservedItem{{ResourceType: "A", Quantity: 1}}})
	require.NoError(t, err)

	res, err = svc.Fail(ctx, res.ID, domain.FailureRejected, "card declined")
	require.NoError(t, err)
	require.Equal(t, domain.ReservationPending, res.State)
	require.Equal(t, 1, res.Failures)
	require.Equal(t, "rejected: card declined", res.LastFailure)
	require.Equal(t, int64(4), h.remaining(t, "A"), "rejection keeps the units reserved")

	stored, err := h.grants.Get(ctx, g.ID)
	require.NoError(t, err)
	require.True(t, stored.Used)

	res, err = svc.Confirm(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationConfirmed, res.State)
}

func TestReservations_ExplicitTimeoutFailure(t *testing.T) {
	h := newHarness(t, domain.ResourceSpec{Type: "A", Stock: 5})
	svc := h.reservations(time.Hour)
	defer svc.Close()
	ctx := context.Background()

	g := h.issueGrant(t, "g1", "u1", "A")
	res, err := svc.Open(ctx, OpenReservation{RequesterID: "u1", GrantID: g.ID, Items: []domain.ReservedItem{{ResourceType: "A", Quantity: 2}}})
	require.NoError(t, err)

	res, err = svc.Fail(ctx, res.ID, domain.FailureTimeout, "")
	require.NoError(t, err)
	require.Equal(t, domain.ReservationCompensated, res.State)
	require.Equal(t, int64(5), h.remaining(t, "A"))

	_, err = svc.Fail(ctx, res.ID, domain.FailureTimeout, "")
	require.ErrorIs(t, err, domain.ErrReservationClosed)
	require.Equal(t, int64(5), h.remaining(t, "A"))
}

func TestReservations_ConfirmStopsTimer(t *testing.T) {
	h := newHarness(t, domain.ResourceSpec{Type: "A", Stock: 5})
	svc := h.reservations(20 * time.Millisecond)
	defer svc.Close()
	ctx := context.Background()

	g := h.issueGrant(t, "g1", "u1", "A")
	res, err := svc.Open(ctx, OpenReservation{RequesterID: "u1", GrantID: g.ID, Items: []domain.ReservedItem{{ResourceType: "A", Quantity: 1}}})
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, res.ID)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	got, ok := svc.Get(ctx, res.ID)
	require.True(t, ok)
	require.Equal(t, domain.ReservationConfirmed, got.State)
	require.Equal(t, int64(4), h.remaining(t, "A"))
}

func TestReservations_OpenRejections(t *testing.T) {
	h := newHarness(t, domain.ResourceSpec{Type: "A", Stock: 1})
	svc := h.reservations(time.Hour)
	defer svc.Close()
	ctx := context.Background()

	g := h.issueGrant(t, "g1", "u1", "A")
	one := []domain.ReservedItem{{ResourceType: "A", Quantity: 1}}

	_, err := svc.Open(ctx, OpenReservation{RequesterID: "u1", GrantID: "missing", Items: one})
	require.ErrorIs(t, err, domain.ErrGrantUnavailable)

	_, err = svc.Open(ctx, OpenReservation{RequesterID: "intruder", GrantID: g.ID, Items: one})
	require.ErrorIs(t, err, domain.ErrGrantUnavailable)

	_, err = svc.Open(ctx, OpenReservation{RequesterID: "u1", GrantID: g.ID, Items: []domain.ReservedItem{{ResourceType: "nope", Quantity: 1}}})
	require.ErrorIs(t, err, domain.ErrInvalidResourceType)

	// pede mais do que há: nada fica reservado e o cupom volta a ficar livre.
	_, err = svc.Open(ctx, OpenReservation{RequesterID: "u1", GrantID: g.ID, Items: []domain.ReservedItem{{ResourceType: "A", Quantity: 2}}})
	require.ErrorIs(t, err, domain.ErrStockExhausted)
	require.Equal(t, int64(1), h.remaining(t, "A"))
	stored, err := h.grants.Get(ctx, g.ID)
	require.NoError(t, err)
	require.False(t, stored.Used)

	_, err = svc.Open(ctx, OpenReservation{RequesterID: "u1", GrantID: g.ID, Items: one})
	require.NoError(t, err)
	_, err = svc.Open(ctx, OpenReservation{RequesterID: "u1", GrantID: g.ID, Items: one})
	require.ErrorIs(t, err, domain.ErrGrantUnavailable, "grant already in use")

	_, err = svc.Confirm(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrReservationNotFound)
}

// gatedStock segura o primeiro Rollback até release ser fechado.
type gatedStock struct {
	domain.StockLedger
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStock) Rollback(ctx context.Context, resourceType string) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.StockLedger.Rollback(ctx, resourceType)
}

func TestReservations_ConfirmDuringCompensationIsRejected(t *testing.T) {
	h := newHarness(t, domain.ResourceSpec{Type: "A", Stock: 5})
	gate := &gatedStock{StockLedger: h.stock, entered: make(chan struct{}), release: make(chan struct{})}
	svc := h.reservations(time.Hour)
	svc.Compensator.Stock = gate
	defer svc.Close()
	ctx := context.Background()

	g := h.issueGrant(t, "g1", "u1", "A")
	res, err := svc.Open(ctx, OpenReservation{RequesterID: "u1", GrantID: g.ID, Items: []domain.ReservedItem{{ResourceType: "A", Quantity: 2}}})
	require.NoError(t, err)

	type result struct {
		res domain.Reservation
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := svc.Fail(ctx, res.ID, domain.FailureTimeout, "payment window closed")
		done <- result{r, err}
	}()

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		close(gate.release)
		t.Fatal("compensation never started")
	}

	_, err = svc.Confirm(ctx, res.ID)
	require.ErrorIs(t, err, domain.ErrReservationClosed)
	_, err = svc.Fail(ctx, res.ID, domain.FailureRejected, "late decline")
	require.ErrorIs(t, err, domain.ErrReservationClosed)
	got, ok := svc.Get(ctx, res.ID)
	require.True(t, ok)
	require.Equal(t, domain.ReservationCompensating, got.State)

	close(gate.release)
	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, domain.ReservationCompensated, out.res.State)

	got, _ = svc.Get(ctx, res.ID)
	require.Equal(t, domain.ReservationCompensated, got.State)
	require.Equal(t, int64(5), h.remaining(t, "A"))
	stored, err := h.grants.Get(ctx, g.ID)
	require.NoError(t, err)
	require.False(t, stored.Used)
}

func TestReservations_InterruptedCompensationOnlyResumes(t *testing.T) {
	h := newHarness(t, domain.ResourceSpec{Type: "A", Stock: 5})
	svc := h.reservations(time.Hour)
	svc.Compensator.Stock = &flakyStock{StockLedger: h.stock, failOn: 2}
	defer svc.Close()
	ctx := context.Background()

	g := h.issueGrant(t, "g1", "u1", "A")
	res, err := svc.Open(ctx, OpenReservation{RequesterID: "u1", GrantID: g.ID, Items: []domain.ReservedItem{{ResourceType: "A", Quantity: 3}}})
	require.NoError(t, err)

	got, err := svc.Fail(ctx, res.ID, domain.FailureTimeout, "")
	require.ErrorIs(t, err, domain.ErrCompensationFailure)
	require.Equal(t, domain.ReservationCompensating, got.State)
	require.Equal(t, int64(3), h.remaining(t, "A"), "one unit restored before the failure")

	_, err = svc.Confirm(ctx, res.ID)
	require.ErrorIs(t, err, domain.ErrReservationClosed)
	_, err = svc.Fail(ctx, res.ID, domain.FailureRejected, "")
	require.ErrorIs(t, err, domain.ErrReservationClosed)

	got, err = svc.Fail(ctx, res.ID, domain.FailureTimeout, "retry")
	require.NoError(t, err)
	require.Equal(t, domain.ReservationCompensated, got.State)
	require.Equal(t, int64(5), h.remaining(t, "A"))
}
