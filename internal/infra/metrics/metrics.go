package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dakydaky/ConsentBridge/internal/usecase"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	renewalsSucceeded prometheus.Counter
	renewalsDenied    *prometheus.CounterVec
	graceAccepted     prometheus.Counter
	graceRejected     prometheus.Counter
	auditSucceeded    prometheus.Counter
	auditFailed       prometheus.Counter
	signatureRejected *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		renewalsSucceeded: f.NewCounter(prometheus.CounterOpts{
			Name: "consent_renewals_success_total",
			Help: "Consent token renewals that issued a new token.",
		}),
		renewalsDenied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_renewals_denied_total",
			Help: "Consent token renewals refused, by reason.",
		}, []string{"reason"}),
		graceAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "consent_token_grace_accepted_total",
			Help: "Submissions accepted with an expired token inside the grace window.",
		}),
		graceRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "consent_token_grace_rejected_total",
			Help: "Submissions rejected because the token expired beyond the grace window.",
		}),
		auditSucceeded: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_verification_success_total",
			Help: "Audit chain verifications that found an intact chain.",
		}),
		auditFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_verification_failed_total",
			Help: "Audit chain verifications that found a mismatch or could not complete.",
		}),
		signatureRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signature_rejected_total",
			Help: "Detached signatures that failed verification, by direction.",
		}, []string{"direction"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) RenewalSucceeded()           { m.renewalsSucceeded.Inc() }
func (m *Metrics) RenewalDenied(reason string) { m.renewalsDenied.WithLabelValues(reason).Inc() }
func (m *Metrics) TokenGraceAccepted()         { m.graceAccepted.Inc() }
func (m *Metrics) TokenGraceRejected()         { m.graceRejected.Inc() }

func (m *Metrics) AuditVerification(success bool) {
	if success {
		m.auditSucceeded.Inc()
		return
	}
	m.auditFailed.Inc()
}

func (m *Metrics) SignatureRejected(direction string) {
	m.signatureRejected.WithLabelValues(direction).Inc()
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

var _ usecase.Metrics = (*Metrics)(nil)
