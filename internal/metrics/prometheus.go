package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Counters are constructed at package init so services and tests can
// increment them without a registry; InitCustomMetrics only registers.
var (
	SessionsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authcore_sessions_created_total",
		Help: "Total number of sessions issued.",
	})
	SessionsArchivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authcore_sessions_archived_total",
		Help: "Total number of sessions archived.",
	})
	LoginSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authcore_logins_success_total",
		Help: "Total number of successful logins.",
	})
	LoginFailureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authcore_logins_failure_total",
		Help: "Total number of failed logins.",
	})
	AuthFailureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_auth_failures_total",
		Help: "Total number of authenticated-request failures, by error code.",
	}, []string{"code"})
	SignatureFailureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authcore_signature_failures_total",
		Help: "Total number of request signature verification failures.",
	})
	LockContentionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_lock_contention_total",
		Help: "Total number of semaphore acquisitions that found the resource held.",
	}, []string{"outcome"})
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_requests_total",
		Help: "Total number of API requests, by endpoint and status.",
	}, []string{"endpoint", "status"})
)

// InitCustomMetrics registers the package counters with the given registry.
// It should be called once at application startup.
func InitCustomMetrics(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register custom metrics.")
		return
	}

	collectors := []prometheus.Collector{
		SessionsCreatedTotal,
		SessionsArchivedTotal,
		LoginSuccessTotal,
		LoginFailureTotal,
		AuthFailureTotal,
		SignatureFailureTotal,
		LockContentionTotal,
		RequestsTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("Failed to register Prometheus metric")
		}
	}
	log.Info().Msg("Custom Prometheus metrics registered.")
}
