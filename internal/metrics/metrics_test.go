package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.ChallengeIssued()
	m.Login("success")
	m.Login("success")
	m.RateLimited("auth")
	m.Swept("nonces", 3)
	m.Swept("nonces", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.challenges))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.logins.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited.WithLabelValues("auth")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweptEntries.WithLabelValues("nonces")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.ChallengeIssued()
		m.Login("failure")
		m.Validation("invalid")
		m.Revocation("success")
		m.RateLimited("auth")
		m.Swept("nonces", 1)
		m.HTTPRequest("/", "2xx")
	})
}
