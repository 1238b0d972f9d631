package obs

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug", "console")
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(-1))

	l, err = NewLogger("warn", "")
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(0))

	_, err = NewLogger("loud", "json")
	require.Error(t, err)
	_, err = NewLogger("info", "xml")
	require.Error(t, err)

	require.NotNil(t, OrNop(nil))
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	m.Issue("sync", "success", time.Millisecond)
	m.LockAcquire("busy")
	m.LockRelease("stale")
	m.Compensate("failure")
	m.Accepted("published")
	m.EventDropped()
}

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Issue("async", "exhausted", 3*time.Millisecond)
	m.Issue("async", "exhausted", time.Millisecond)
	m.EventDropped()

	require.Equal(t, 2.0, testutil.ToFloat64(m.IssueTotal.WithLabelValues("async", "exhausted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped))

	n, err := testutil.GatherAndCount(reg, "coupon_issue_total", "coupon_events_dropped_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
