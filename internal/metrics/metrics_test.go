package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Purchase("accepted")
	m.Purchase("accepted")
	m.Purchase("below_minimum")
	m.Earning(1, decimal.NewFromInt(50))
	m.Earning(2, decimal.NewFromInt(10))
	m.Notification("dropped")
	m.HTTPRequest("GET", "/api/users", 200, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.purchases.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.purchases.WithLabelValues("below_minimum")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.earnings.WithLabelValues("1")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.earnings.WithLabelValues("2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/users", "200")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Purchase("accepted")
		m.Earning(1, decimal.NewFromInt(1))
		m.Referral("attached")
		m.Notification("delivered")
		m.HTTPRequest("GET", "/", 200, time.Millisecond)
	})
}

func TestWebsocketClients(t *testing.T) {
	reg := prometheus.NewRegistry()
	open := 3

	g := WebsocketClients(reg, func() int { return open })
	assert.Equal(t, 3.0, testutil.ToFloat64(g))

	open = 1
	assert.Equal(t, 1.0, testutil.ToFloat64(g))
}
