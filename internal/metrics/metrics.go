// Package metrics содержит счётчики Prometheus сервиса реферальной сети.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics объединяет метрики сервиса. Нулевой указатель допустим: методы ничего не делают.
type Metrics struct {
	purchases     *prometheus.CounterVec
	earnings      *prometheus.CounterVec
	referrals     *prometheus.CounterVec
	notifications *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New регистрирует метрики в указанном реестре.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		purchases: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_purchases_total",
				Help: "Purchases processed by the distribution engine",
			},
			[]string{"result"},
		),
		earnings: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_earnings_amount_total",
				Help: "Commission amount credited to ancestors",
			},
			[]string{"level"},
		),
		referrals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_attach_total",
				Help: "Referral code redemptions",
			},
			[]string{"result"},
		),
		notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_notifications_total",
				Help: "Live notification deliveries",
			},
			[]string{"result"},
		),
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_response_time_seconds",
				Help:    "Histogram of response times",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// Purchase учитывает результат обработки покупки: accepted или причину отказа.
func (m *Metrics) Purchase(result string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(result).Inc()
}

// Earning учитывает начисленную комиссию.
func (m *Metrics) Earning(level int, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.earnings.WithLabelValues(strconv.Itoa(level)).Add(amount.InexactFloat64())
}

// Referral учитывает попытку привязки по реферальному коду.
func (m *Metrics) Referral(result string) {
	if m == nil {
		return
	}
	m.referrals.WithLabelValues(result).Inc()
}

// Notification учитывает исход живой доставки уведомления.
func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

// HTTPRequest учитывает обработанный HTTP-запрос.
func (m *Metrics) HTTPRequest(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// WebsocketClients регистрирует датчик открытых websocket-подключений.
// count вызывается при каждом сборе метрик.
func WebsocketClients(reg prometheus.Registerer, count func() int) prometheus.GaugeFunc {
	return promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "referral_websocket_clients",
			Help: "Open websocket connections",
		},
		func() float64 { return float64(count()) },
	)
}
