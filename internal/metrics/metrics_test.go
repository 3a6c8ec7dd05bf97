package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ts-factory/bublik-sub000/internal/domain"
	"github.com/ts-factory/bublik-sub000/internal/livelog"
)

func value(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	var m dto.Metric
	require.NoError(t, (<-ch).Write(&m))
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return m.Gauge.GetValue()
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.EventProcessed("test_start")
	c.EventProcessed("test_start")
	c.EventProcessed("test_end")
	c.LostSynthesized(domain.NodeTest)
	c.SessionStarted()
	c.SessionStarted()
	c.SessionFinished()
	c.SessionFailed(livelog.KindInvalidInput)
	c.RunReaped()

	assert.Equal(t, 2.0, value(t, c.Events.WithLabelValues("test_start")))
	assert.Equal(t, 1.0, value(t, c.Events.WithLabelValues("test_end")))
	assert.Equal(t, 1.0, value(t, c.LostItems.WithLabelValues("test")))
	assert.Equal(t, 1.0, value(t, c.FailedSessions.WithLabelValues("invalid_input")))
	assert.Equal(t, 1.0, value(t, c.ReapedRuns))
	assert.Equal(t, 0.0, value(t, c.ActiveSessions))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 5)
}

func TestRunReapedEndsSession(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.SessionStarted()
	c.SessionStarted()
	c.RunReaped()

	assert.Equal(t, 1.0, value(t, c.ActiveSessions))
	assert.Equal(t, 1.0, value(t, c.ReapedRuns))
}
