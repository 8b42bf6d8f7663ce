package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	AuthRegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_registrations_total",
			Help: "Total number of registration attempts.",
		},
		[]string{"result"},
	)

	AuthLoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Total number of login attempts.",
		},
		[]string{"result"},
	)

	AccountLockoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auth_account_lockouts_total",
			Help: "Total number of accounts locked after repeated failures.",
		},
	)

	TokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "Total number of tokens issued or refreshed.",
		},
		[]string{"flow"},
	)

	TokenVerificationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_verification_failures_total",
			Help: "Token verification failures by reason.",
		},
		[]string{"reason"},
	)

	VerificationCodesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_verification_codes_sent_total",
			Help: "Verification codes issued, by purpose and delivery result.",
		},
		[]string{"purpose", "delivery"},
	)
)

// MustRegister registers every collector with the default registry.
func MustRegister() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		AuthRegistrationsTotal,
		AuthLoginsTotal,
		AccountLockoutsTotal,
		TokensIssuedTotal,
		TokenVerificationFailuresTotal,
		VerificationCodesSentTotal,
	)
}
