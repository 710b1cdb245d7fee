// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/syncshell/lib/componentcache"
)

const namespace = "syncshell"

// Metrics is one node's metric set, registered on its own registry so
// several nodes can share a process. The recording methods are no-ops
// on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	peerStates         *prometheus.GaugeVec
	transitions        *prometheus.CounterVec
	reconnectAttempts  prometheus.Counter
	framesSent         *prometheus.CounterVec
	framesReceived     *prometheus.CounterVec
	syncPasses         prometheus.Counter
	syncSessions       *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	componentBytes     *prometheus.CounterVec
	applies            *prometheus.CounterVec
	ledgerMerges       *prometheus.CounterVec
	relayRequests      *prometheus.CounterVec
	relayDuration      *prometheus.HistogramVec
	relayMailboxes     prometheus.Gauge
	verificationErrors *prometheus.CounterVec
}

// New returns a metric set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		peerStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Number of peer connections in each state.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions, by destination state.",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts started after a disconnect.",
		}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Data channel frames sent, by message type.",
		}, []string{"type"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Data channel frames received, by message type.",
		}, []string{"type"}),
		syncPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Orchestration passes run.",
		}),
		syncSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_sessions_total",
			Help:      "Sync sessions finished, by result.",
		}, []string{"result"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_sessions_active",
			Help:      "Sync sessions currently fetching components.",
		}),
		componentBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "component_bytes_total",
			Help:      "Component payload bytes transferred, by direction.",
		}, []string{"direction"}),
		applies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "applies_total",
			Help:      "State applications, by result.",
		}, []string{"result"}),
		ledgerMerges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_merges_total",
			Help:      "Remote phonebook merges, by result.",
		}, []string{"result"}),
		relayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Signaling relay HTTP requests.",
		}, []string{"op", "status"}),
		relayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_request_duration_seconds",
			Help:      "Latency of signaling relay HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		}, []string{"op"}),
		relayMailboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_mailboxes",
			Help:      "Signaling relay mailboxes currently held.",
		}),
		verificationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_failures_total",
			Help:      "Rejected credentials and signatures, by record kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.peerStates, m.transitions, m.reconnectAttempts,
		m.framesSent, m.framesReceived,
		m.syncPasses, m.syncSessions, m.activeSessions, m.componentBytes,
		m.applies, m.ledgerMerges,
		m.relayRequests, m.relayDuration, m.relayMailboxes,
		m.verificationErrors,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCache exports live component cache statistics.
func (m *Metrics) ObserveCache(cache *componentcache.Cache) {
	if m == nil {
		return
	}
	gauge := func(name, help string, value func(componentcache.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      name,
			Help:      help,
		}, func() float64 { return value(cache.Stats()) })
	}
	m.registry.MustRegister(
		gauge("entries", "Cached components.", func(s componentcache.Stats) float64 { return float64(s.Entries) }),
		gauge("size_bytes", "Uncompressed size of cached components.", func(s componentcache.Stats) float64 { return float64(s.Size) }),
		gauge("stored_bytes", "Stored (compressed) size of cached components.", func(s componentcache.Stats) float64 { return float64(s.StoredSize) }),
		gauge("hit_ratio", "Fraction of lookups that found the component.", func(s componentcache.Stats) float64 { return s.HitRate() }),
		gauge("evictions", "Components evicted since start.", func(s componentcache.Stats) float64 { return float64(s.Evictions) }),
	)
}

// Transition records a connection entering state, moving one peer out
// of from.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.peerStates.WithLabelValues(from).Dec()
	}
	m.peerStates.WithLabelValues(to).Inc()
	m.transitions.WithLabelValues(to).Inc()
}

// ReconnectAttempt records a reconnection attempt.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// FrameSent records an outbound frame.
func (m *Metrics) FrameSent(messageType string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(messageType).Inc()
}

// FrameReceived records an inbound frame.
func (m *Metrics) FrameReceived(messageType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(messageType).Inc()
}

// SyncPass records one orchestration pass.
func (m *Metrics) SyncPass() {
	if m == nil {
		return
	}
	m.syncPasses.Inc()
}

// SessionStarted records a sync session opening.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionFinished records a sync session closing with result.
func (m *Metrics) SessionFinished(result string) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.syncSessions.WithLabelValues(result).Inc()
}

// ComponentBytes records payload bytes moved in direction ("sent" or
// "received").
func (m *Metrics) ComponentBytes(direction string, count int) {
	if m == nil {
		return
	}
	m.componentBytes.WithLabelValues(direction).Add(float64(count))
}

// Apply records a state application result.
func (m *Metrics) Apply(result string) {
	if m == nil {
		return
	}
	m.applies.WithLabelValues(result).Inc()
}

// LedgerMerge records a remote phonebook merge result.
func (m *Metrics) LedgerMerge(result string) {
	if m == nil {
		return
	}
	m.ledgerMerges.WithLabelValues(result).Inc()
}

// VerificationFailure records a rejected credential or signature.
func (m *Metrics) VerificationFailure(kind string) {
	if m == nil {
		return
	}
	m.verificationErrors.WithLabelValues(kind).Inc()
}

// RelayMailboxes sets the number of live relay mailboxes.
func (m *Metrics) RelayMailboxes(count int) {
	if m == nil {
		return
	}
	m.relayMailboxes.Set(float64(count))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps a relay handler to record request counts and
// latency under op.
func (m *Metrics) Instrument(op string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(writer, r)
		class := strconv.Itoa(writer.status/100) + "xx"
		m.relayRequests.WithLabelValues(op, class).Inc()
		m.relayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
