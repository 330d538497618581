// Package metrics provides Prometheus metrics for token issuance.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the identity provider.
type Metrics struct {
	enabled bool

	// Token endpoint metrics
	tokensIssuedTotal    *prometheus.CounterVec
	grantRejectionsTotal *prometheus.CounterVec
	grantDuration        *prometheus.HistogramVec

	// Authorization endpoint metrics
	codesIssuedTotal         prometheus.Counter
	authorizeRejectionsTotal *prometheus.CounterVec

	revocationsTotal prometheus.Counter

	// Bearer verification metrics (resource middleware, userinfo)
	authRequestsTotal *prometheus.CounterVec
	authFailuresTotal *prometheus.CounterVec

	// Session store metrics
	storeEntries *prometheus.GaugeVec
}

// Option configures metric registration.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	namespace  string
}

// WithRegisterer registers metrics with r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithNamespace overrides the metric name prefix. Default: "idp".
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// New creates and registers Prometheus metrics.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool, opts ...Option) *Metrics {
	m := &Metrics{enabled: enabled}

	if !enabled {
		return m
	}

	o := options{registerer: prometheus.DefaultRegisterer, namespace: "idp"}
	for _, opt := range opts {
		opt(&o)
	}
	factory := promauto.With(o.registerer)

	m.tokensIssuedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: o.namespace,
		Name:      "tokens_issued_total",
		Help:      "Total tokens issued",
	}, []string{"grant_type", "token_type"})

	m.grantRejectionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: o.namespace,
		Name:      "grant_rejections_total",
		Help:      "Total rejected token requests",
	}, []string{"grant_type", "error"})

	m.grantDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: o.namespace,
		Name:      "grant_duration_seconds",
		Help:      "Token request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"grant_type"})

	m.codesIssuedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: o.namespace,
		Name:      "authorization_codes_issued_total",
		Help:      "Total authorization codes issued",
	})

	m.authorizeRejectionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: o.namespace,
		Name:      "authorize_rejections_total",
		Help:      "Total rejected authorization requests",
	}, []string{"error"})

	m.revocationsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: o.namespace,
		Name:      "token_revocations_total",
		Help:      "Total token revocation requests",
	})

	m.authRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: o.namespace,
		Name:      "auth_requests_total",
		Help:      "Total bearer token verifications that succeeded",
	}, []string{"method"})

	m.authFailuresTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: o.namespace,
		Name:      "auth_failures_total",
		Help:      "Total bearer token verifications that failed",
	}, []string{"method", "reason"})

	m.storeEntries = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: o.namespace,
		Name:      "session_store_entries",
		Help:      "Current number of entries in the session store",
	}, []string{"kind"})

	return m
}

// Enabled reports whether metrics are recorded.
func (m *Metrics) Enabled() bool { return m != nil && m.enabled }

// RecordTokenIssued records a minted token (access, id or refresh).
func (m *Metrics) RecordTokenIssued(grantType, tokenType string) {
	if !m.Enabled() {
		return
	}
	m.tokensIssuedTotal.WithLabelValues(grantType, tokenType).Inc()
}

// RecordGrant records the outcome and duration of a token request.
// errCode is empty on success.
func (m *Metrics) RecordGrant(grantType, errCode string, durationSeconds float64) {
	if !m.Enabled() {
		return
	}
	if errCode != "" {
		m.grantRejectionsTotal.WithLabelValues(grantType, errCode).Inc()
	}
	m.grantDuration.WithLabelValues(grantType).Observe(durationSeconds)
}

// RecordCodeIssued records an authorization code handed to a client.
func (m *Metrics) RecordCodeIssued() {
	if !m.Enabled() {
		return
	}
	m.codesIssuedTotal.Inc()
}

// RecordAuthorizeRejection records a failed authorization request.
func (m *Metrics) RecordAuthorizeRejection(errCode string) {
	if !m.Enabled() {
		return
	}
	m.authorizeRejectionsTotal.WithLabelValues(errCode).Inc()
}

// RecordRevocation records a revocation request.
func (m *Metrics) RecordRevocation() {
	if !m.Enabled() {
		return
	}
	m.revocationsTotal.Inc()
}

// RecordAuthSuccess records a successful bearer verification.
func (m *Metrics) RecordAuthSuccess(method string) {
	if !m.Enabled() {
		return
	}
	m.authRequestsTotal.WithLabelValues(method).Inc()
}

// RecordAuthFailure records a failed bearer verification.
func (m *Metrics) RecordAuthFailure(method, reason string) {
	if !m.Enabled() {
		return
	}
	m.authFailuresTotal.WithLabelValues(method, reason).Inc()
}

// SetStoreEntries sets the current number of stored codes or refresh tokens.
func (m *Metrics) SetStoreEntries(kind string, n float64) {
	if !m.Enabled() {
		return
	}
	m.storeEntries.WithLabelValues(kind).Set(n)
}
