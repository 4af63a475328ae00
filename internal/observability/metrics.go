package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type engineMetrics struct {
	leaseGrabTotal  *prometheus.CounterVec
	leaseRenewTotal *prometheus.CounterVec

	checkpointWriteTotal *prometheus.CounterVec
	flushBatchSize       prometheus.Histogram

	mailboxDepth  *prometheus.GaugeVec
	enqueueTotal  prometheus.Counter
	rejectedTotal prometheus.Counter

	transactionTotal    *prometheus.CounterVec
	transactionDuration prometheus.Histogram

	liveAgents prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *engineMetrics
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		m := &engineMetrics{
			leaseGrabTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lease_grab_total",
					Help: "Lease grab attempts by outcome (acquired, lost, error).",
				},
				[]string{"outcome"},
			),
			leaseRenewTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lease_renew_total",
					Help: "Lease renewals by outcome (renewed, gone).",
				},
				[]string{"outcome"},
			),
			checkpointWriteTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "checkpoint_write_total",
					Help: "Checkpoint writes by mode (direct, batched, resubmit) and status.",
				},
				[]string{"mode", "status"},
			),
			flushBatchSize: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "checkpoint_flush_batch_size",
					Help:    "Number of pending updates per coalesced flush.",
					Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
				},
			),
			mailboxDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "mailbox_depth",
					Help: "Queued messages across agent mailboxes by state (queued, running).",
				},
				[]string{"state"},
			),
			enqueueTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "mailbox_enqueue_total",
					Help: "Total messages accepted into mailboxes.",
				},
			),
			rejectedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "mailbox_rejected_total",
					Help: "Messages rejected because the agent was shut down.",
				},
			),
			transactionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "transaction_total",
					Help: "Message transactions by terminal outcome (commit, abort, shutdown).",
				},
				[]string{"outcome"},
			),
			transactionDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "transaction_duration_seconds",
					Help:    "Full pipeline duration from begin to terminal phase.",
					Buckets: prometheus.DefBuckets,
				},
			),
			liveAgents: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "live_agents",
					Help: "Agents currently resident on this node.",
				},
			),
		}

		prometheus.MustRegister(
			m.leaseGrabTotal,
			m.leaseRenewTotal,
			m.checkpointWriteTotal,
			m.flushBatchSize,
			m.mailboxDepth,
			m.enqueueTotal,
			m.rejectedTotal,
			m.transactionTotal,
			m.transactionDuration,
			m.liveAgents,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered registers the engine metrics with the default registry.
// It is safe to call from every package that records metrics.
func EnsureRegistered() {
	getMetrics()
}

// RecordLeaseGrab records one lease grab attempt.
func RecordLeaseGrab(outcome string) {
	getMetrics().leaseGrabTotal.WithLabelValues(outcome).Inc()
}

// RecordLeaseRenew records the outcome of one renewal pass.
func RecordLeaseRenew(renewed, gone int) {
	m := getMetrics()
	m.leaseRenewTotal.WithLabelValues("renewed").Add(float64(renewed))
	m.leaseRenewTotal.WithLabelValues("gone").Add(float64(gone))
}

// RecordCheckpointWrite records one checkpoint store write.
func RecordCheckpointWrite(mode string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	getMetrics().checkpointWriteTotal.WithLabelValues(mode, status).Inc()
}

// RecordFlushBatch records the size of a coalesced flush.
func RecordFlushBatch(size int) {
	getMetrics().flushBatchSize.Observe(float64(size))
}

// RecordEnqueue records an accepted mailbox message. The depth gauge tracks
// transitions, not per-agent snapshots, so it aggregates across all agents.
func RecordEnqueue() {
	m := getMetrics()
	m.enqueueTotal.Inc()
	m.mailboxDepth.WithLabelValues("queued").Inc()
}

// RecordTaskStarted moves one message from queued to running.
func RecordTaskStarted() {
	m := getMetrics()
	m.mailboxDepth.WithLabelValues("queued").Dec()
	m.mailboxDepth.WithLabelValues("running").Inc()
}

// RecordTaskFinished retires one running message.
func RecordTaskFinished() {
	getMetrics().mailboxDepth.WithLabelValues("running").Dec()
}

// RecordDrained removes n messages rejected by a shutdown from the queued
// gauge.
func RecordDrained(n int) {
	getMetrics().mailboxDepth.WithLabelValues("queued").Sub(float64(n))
}

// RecordRejected records a message rejected by a shut-down mailbox.
func RecordRejected() {
	getMetrics().rejectedTotal.Inc()
}

// RecordTransaction records a finished message transaction.
func RecordTransaction(outcome string, duration time.Duration) {
	m := getMetrics()
	m.transactionTotal.WithLabelValues(outcome).Inc()
	m.transactionDuration.Observe(duration.Seconds())
}

// SetLiveAgents updates the resident agent gauge.
func SetLiveAgents(n int) {
	getMetrics().liveAgents.Set(float64(n))
}

// Serve exposes the metrics endpoint on addr. It blocks until the server
// fails or the listener closes.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
