package server

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"salesescrow/internal/escrow"
)

// Metrics is shared with the ledger retry wrapper and the event dispatcher,
// so it is built before the server.
type Metrics struct {
	registry         *prometheus.Registry
	operationsTotal  *prometheus.CounterVec
	settledTotal     *prometheus.CounterVec
	retryAttempts    *prometheus.CounterVec
	eventFailures    *prometheus.CounterVec
	authFailures     prometheus.Counter
	idempotentReplay prometheus.Counter
	escrowStatus     prometheus.Gauge
}

func NewMetrics() *Metrics {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "salesescrow_operations_total",
		Help: "Escrow operations by outcome",
	}, []string{"operation", "result"})

	settled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "salesescrow_settled_amount_total",
		Help: "Token base units paid out of custody, by recipient role",
	}, []string{"role"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "salesescrow_ledger_retry_attempts_total",
		Help: "Retried ledger balance reads",
	}, []string{"result"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "salesescrow_event_publish_failures_total",
		Help: "Lifecycle events a sink failed to accept",
	}, []string{"sink"})

	authFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "salesescrow_auth_failures_total",
		Help: "Requests rejected by signature verification",
	})

	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "salesescrow_idempotent_replays_total",
		Help: "Responses served from the idempotency store",
	})

	status := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "salesescrow_status",
		Help: "Current escrow status code (0 deployed .. 5 resolved)",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(ops, settled, retries, events, authFailures, replays, status)

	return &Metrics{
		registry:         r,
		operationsTotal:  ops,
		settledTotal:     settled,
		retryAttempts:    retries,
		eventFailures:    events,
		authFailures:     authFailures,
		idempotentReplay: replays,
		escrowStatus:     status,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incOperation(op escrow.Operation, result string) {
	m.operationsTotal.WithLabelValues(string(op), result).Inc()
}

func (m *Metrics) addSettled(payouts []escrow.Payout) {
	for _, p := range payouts {
		f, _ := new(big.Float).SetInt(p.Amount).Float64()
		m.settledTotal.WithLabelValues(p.Role.String()).Add(f)
	}
}

// IncRetry records a retried ledger read; result is retry, success or failed.
func (m *Metrics) IncRetry(result string) {
	m.retryAttempts.WithLabelValues(result).Inc()
}

// IncEventFailure records an event a sink did not accept.
func (m *Metrics) IncEventFailure(sink string) {
	m.eventFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) incAuthFailure() {
	m.authFailures.Inc()
}

func (m *Metrics) incReplay() {
	m.idempotentReplay.Inc()
}

func (m *Metrics) setStatus(s escrow.Status) {
	m.escrowStatus.Set(float64(s))
}
