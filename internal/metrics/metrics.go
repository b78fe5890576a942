package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	challenges       prometheus.Counter
	logins           *prometheus.CounterVec
	validations      *prometheus.CounterVec
	revocations      *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	sweptEntries     *prometheus.CounterVec
	httpRequestTotal *prometheus.CounterVec
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		challenges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "challenges_issued_total",
			Help:      "Challenges issued to wallets.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "logins_total",
			Help:      "Challenge verification attempts by result.",
		}, []string{"result"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "token_validations_total",
			Help:      "Session token validations by result.",
		}, []string{"result"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "token_revocations_total",
			Help:      "Token revocations by result.",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter per policy.",
		}, []string{"policy"}),
		sweptEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "swept_entries_total",
			Help:      "Expired entries removed by the sweeper per store.",
		}, []string{"store"}),
		httpRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletauth",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
	}

	reg.MustRegister(m.challenges, m.logins, m.validations, m.revocations, m.rateLimited, m.sweptEntries, m.httpRequestTotal)
	return m
}

func (m *Metrics) ChallengeIssued() {
	if m == nil {
		return
	}
	m.challenges.Inc()
}

func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) Validation(result string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(result).Inc()
}

func (m *Metrics) Revocation(result string) {
	if m == nil {
		return
	}
	m.revocations.WithLabelValues(result).Inc()
}

func (m *Metrics) RateLimited(policy string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(policy).Inc()
}

func (m *Metrics) Swept(store string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptEntries.WithLabelValues(store).Add(float64(n))
}

func (m *Metrics) HTTPRequest(route, status string) {
	if m == nil {
		return
	}
	m.httpRequestTotal.WithLabelValues(route, status).Inc()
}
