package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

var _ recon.Metrics = (*Metrics)(nil)

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestPrometheusMetrics_RecordIngest(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordIngest("stripe", "charge.succeeded", "applied")
	metrics.RecordIngest("stripe", "charge.succeeded", "applied")
	metrics.RecordIngest("stripe", "charge.succeeded", "duplicate")

	mf := gather(t, reg, "test_ingest_total")
	require.Len(t, mf.GetMetric(), 2)
	for _, m := range mf.GetMetric() {
		switch labelValue(m, "outcome") {
		case "applied":
			assert.Equal(t, 2.0, m.GetCounter().GetValue())
		case "duplicate":
			assert.Equal(t, 1.0, m.GetCounter().GetValue())
		default:
			t.Errorf("unexpected outcome label %q", labelValue(m, "outcome"))
		}
	}
}

func TestPrometheusMetrics_RecordReplay(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordReplay("executed", true)
	metrics.RecordReplayBatch(12)

	mf := gather(t, reg, "test_replay_total")
	require.Len(t, mf.GetMetric(), 1)
	assert.Equal(t, "true", labelValue(mf.GetMetric()[0], "forced"))

	batch := gather(t, reg, "test_replay_batch_size")
	assert.Equal(t, uint64(1), batch.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestPrometheusMetrics_RecordSweep(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordSweep("failed", 3*time.Second)
	metrics.RecordStatements("persisted", 10)
	metrics.RecordStatements("staged", 0)

	sweeps := gather(t, reg, "test_sweep_total")
	assert.Equal(t, "failed", labelValue(sweeps.GetMetric()[0], "status"))

	statements := gather(t, reg, "test_statements_total")
	require.Len(t, statements.GetMetric(), 1)
	assert.Equal(t, 10.0, statements.GetMetric()[0].GetCounter().GetValue())
}

func TestPrometheusMetrics_RecordFeedCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordFeedCall("balance_transactions.list", "success", 120*time.Millisecond)
	metrics.RecordCircuitBreakerStateChange("open")
	metrics.RecordDiscrepancy("missing_invoice")

	calls := gather(t, reg, "test_feed_calls_total")
	assert.Equal(t, "balance_transactions.list", labelValue(calls.GetMetric()[0], "endpoint"))

	duration := gather(t, reg, "test_feed_call_duration_seconds")
	assert.InDelta(t, 0.12, duration.GetMetric()[0].GetHistogram().GetSampleSum(), 0.001)

	cb := gather(t, reg, "test_circuit_breaker_state_changes_total")
	assert.Equal(t, "open", labelValue(cb.GetMetric()[0], "state"))

	disc := gather(t, reg, "test_discrepancies_opened_total")
	assert.Equal(t, 1.0, disc.GetMetric()[0].GetCounter().GetValue())
}
