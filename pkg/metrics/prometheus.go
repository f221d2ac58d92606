package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var componentStates = []string{"INITIALIZING", "READY", "RUNNING", "DEGRADED", "FAULTED", "STOPPED"}

// Recorder implements domain.repository.Metrics and eventbus.Observer using Prometheus.
type Recorder struct {
	busPublished  *prometheus.CounterVec
	busDelivered  *prometheus.CounterVec
	busDropped    *prometheus.CounterVec
	busErrors     *prometheus.CounterVec
	signals       *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	tradesOpened  *prometheus.CounterVec
	tradesSettled *prometheus.CounterVec
	realizedPnL   *prometheus.CounterVec
	balance       *prometheus.GaugeVec
	breaker       *prometheus.GaugeVec
	proposals     *prometheus.CounterVec
	component     *prometheus.GaugeVec
	errorsTotal   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

// New registers the recorder on the default Prometheus registry.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		busPublished: f.NewCounterVec(
			prometheus.CounterOpts{Name: "updown_bus_published_total", Help: "Events published on the bus"},
			[]string{"topic"},
		),
		busDelivered: f.NewCounterVec(
			prometheus.CounterOpts{Name: "updown_bus_delivered_total", Help: "Events handled by a subscriber"},
			[]string{"topic", "handler"},
		),
		busDropped: f.NewCounterVec(
			prometheus.CounterOpts{Name: "updown_bus_dropped_total", Help: "Events dropped because a subscriber mailbox was full"},
			[]string{"topic", "handler"},
		),
		busErrors: f.NewCounterVec(
			prometheus.CounterOpts{Name: "updown_bus_handler_errors_total", Help: "Subscriber errors and panics"},
			[]string{"topic", "handler"},
		),
		signals: f.NewCounterVec(
			prometheus.CounterOpts{Name: "updown_signals_total", Help: "Composite signals generated"},
			[]string{"direction", "mode", "cooldown_blocked"},
		),
		rejections: f.NewCounterVec(
			prometheus.CounterOpts{Name: "updown_trade_rejections_total", Help: "Trade requests rejected, by code"},
			[]string{"code"},
		),
		tradesOpened: f.NewCounterVec(
			prometheus.CounterOpts{Name: "updown_trades_opened_total", Help: "Positions opened"},
			[]string{"engine", "direction"},
		),
		tradesSettled: f.NewCounterVec(
			prometheus.CounterOpts{Name: "updown_trades_settled_total", Help: "Positions settled, by outcome"},
			[]string{"engine", "result"},
		),
		realizedPnL: f.NewCounterVec(
			prometheus.CounterOpts{Name: "updown_realized_pnl_abs_total", Help: "Absolute realized PnL split by sign"},
			[]string{"engine", "sign"},
		),
		balance: f.NewGaugeVec(
			prometheus.GaugeOpts{Name: "updown_balance", Help: "Engine cash balance"},
			[]string{"engine"},
		),
		breaker: f.NewGaugeVec(
			prometheus.GaugeOpts{Name: "updown_circuit_breaker_active", Help: "1 while a breaker or halt is active"},
			[]string{"kind"},
		),
		proposals: f.NewCounterVec(
			prometheus.CounterOpts{Name: "updown_proposals_resolved_total", Help: "Proposal terminal transitions"},
			[]string{"status", "mode"},
		),
		component: f.NewGaugeVec(
			prometheus.GaugeOpts{Name: "updown_component_state", Help: "1 for the current state of each component"},
			[]string{"component", "state"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{Name: "updown_errors_total", Help: "Errors encountered, by kind"},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "updown_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (r *Recorder) Published(topic string) { r.busPublished.WithLabelValues(topic).Inc() }

func (r *Recorder) Delivered(topic, handler string) {
	r.busDelivered.WithLabelValues(topic, handler).Inc()
}

func (r *Recorder) Dropped(topic, handler string) {
	r.busDropped.WithLabelValues(topic, handler).Inc()
}

func (r *Recorder) HandlerError(topic, handler string) {
	r.busErrors.WithLabelValues(topic, handler).Inc()
}

func (r *Recorder) RecordSignal(direction, mode string, cooldownBlocked bool) {
	blocked := "false"
	if cooldownBlocked {
		blocked = "true"
	}
	r.signals.WithLabelValues(direction, mode, blocked).Inc()
}

func (r *Recorder) RecordRejection(code string) {
	r.rejections.WithLabelValues(code).Inc()
}

func (r *Recorder) RecordTradeOpened(engine, direction string) {
	r.tradesOpened.WithLabelValues(engine, direction).Inc()
}

// RecordTradeSettled counts the outcome and splits PnL into gains and losses so both
// stay monotonic counters.
func (r *Recorder) RecordTradeSettled(engine, result string, pnl float64) {
	r.tradesSettled.WithLabelValues(engine, result).Inc()
	if pnl >= 0 {
		r.realizedPnL.WithLabelValues(engine, "gain").Add(pnl)
	} else {
		r.realizedPnL.WithLabelValues(engine, "loss").Add(-pnl)
	}
}

func (r *Recorder) RecordBalance(engine string, balance float64) {
	r.balance.WithLabelValues(engine).Set(balance)
}

func (r *Recorder) RecordBreaker(kind string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	r.breaker.WithLabelValues(kind).Set(v)
}

func (r *Recorder) RecordProposalResolved(status, mode string) {
	r.proposals.WithLabelValues(status, mode).Inc()
}

func (r *Recorder) RecordComponentState(component, state string) {
	for _, s := range componentStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.component.WithLabelValues(component, s).Set(v)
	}
}

func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
