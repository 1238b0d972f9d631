package application

import (
	"context"
	"testing"

	"coupon-issuance/issuance/domain"

	"github.com/stretchr/testify/require"
)

func TestStatusReader_QueueStatus(t *testing.T) {
	h := newHarness(t, domain.ResourceSpec{Type: "A", Stock: 2})
	status := &StatusReader{Catalog: h.catalog, Stock: h.stock, Queue: h.queue}
	iss := h.issuer()
	ctx := context.Background()

	st, err := status.QueueStatus(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, domain.QueueStatus{ResourceType: "A", RemainingStock: 2}, st)

	_, err = iss.IssueSync(ctx, "u1", "A")
	require.NoError(t, err)
	_, err = iss.IssueSync(ctx, "u2", "A")
	require.NoError(t, err)

	// posição provisória de alguém ainda em andamento.
	_, err = h.queue.ClaimPosition(ctx, "A", "u3")
	require.NoError(t, err)

	st, err = status.QueueStatus(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, int64(2), st.IssuedCount)
	require.Equal(t, int64(1), st.QueuedCount)
	require.Equal(t, int64(0), st.RemainingStock)
	require.True(t, st.IsEnded)

	top, err := status.Top(ctx, "A", 1)
	require.NoError(t, err)
	require.Equal(t, []domain.RankedRequester{{RequesterID: "u1", Rank: 0}}, top)

	rank, ok, err := status.Rank(ctx, "A", "u2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.Rank{Position: 1, Issued: true}, rank)

	_, err = status.QueueStatus(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrInvalidResourceType)
}

func TestStatusReader_ClampsTransientNegativeStock(t *testing.T) {
	h := newHarness(t, domain.ResourceSpec{Type: "A", Stock: 0})
	status := &StatusReader{Catalog: h.catalog, Stock: h.stock, Queue: h.queue}
	ctx := context.Background()

	_, err := h.stock.Reserve(ctx, "A") // em voo, antes do rollback
	require.NoError(t, err)

	st, err := status.QueueStatus(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, int64(0), st.RemainingStock)
	require.True(t, st.IsEnded)
}
