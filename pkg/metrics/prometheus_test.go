package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderComponentStateIsOneHot(t *testing.T) {
	r := NewWithRegisterer(prometheus.NewRegistry())

	r.RecordComponentState("binance", "RUNNING")
	r.RecordComponentState("binance", "DEGRADED")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.component.WithLabelValues("binance", "DEGRADED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.component.WithLabelValues("binance", "RUNNING")))
}

func TestRecorderPnLSplitsBySign(t *testing.T) {
	r := NewWithRegisterer(prometheus.NewRegistry())

	r.RecordTradeSettled("simulation", "win", 4.5)
	r.RecordTradeSettled("simulation", "loss", -10)
	r.RecordTradeSettled("simulation", "loss", -2)

	assert.Equal(t, 4.5, testutil.ToFloat64(r.realizedPnL.WithLabelValues("simulation", "gain")))
	assert.Equal(t, 12.0, testutil.ToFloat64(r.realizedPnL.WithLabelValues("simulation", "loss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.tradesSettled.WithLabelValues("simulation", "loss")))
}
