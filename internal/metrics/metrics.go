// Package metrics содержит счётчики Prometheus для заказов, платежей и синхронизации.
// Все методы безопасны для nil-получателя, поэтому сервисы могут работать без метрик.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics объединяет коллекторы приложения.
type Metrics struct {
	ordersCreated  prometheus.Counter
	submissions    *prometheus.CounterVec
	statusChanges  *prometheus.CounterVec
	syncDuration   prometheus.Histogram
	paymentsDone   *prometheus.CounterVec
	webhookEvents  *prometheus.CounterVec
	ledgerEntries  *prometheus.CounterVec
	providerErrors *prometheus.CounterVec
}

// New регистрирует коллекторы в registerer. Для nil используется реестр по умолчанию.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ordersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smm_orders_created_total",
			Help: "Orders created by users.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smm_order_submissions_total",
			Help: "Order submissions to the provider by result.",
		}, []string{"result"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smm_order_status_changes_total",
			Help: "Order status transitions applied by sync.",
		}, []string{"status"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smm_order_sync_duration_seconds",
			Help:    "Duration of a full order status sync.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		paymentsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smm_payments_completed_total",
			Help: "Payments completed by method.",
		}, []string{"method"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smm_webhook_events_total",
			Help: "Payment webhook deliveries by processor and outcome.",
		}, []string{"processor", "outcome"}),
		ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smm_ledger_entries_total",
			Help: "Ledger entries written by kind.",
		}, []string{"kind"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smm_provider_errors_total",
			Help: "Provider API failures by action.",
		}, []string{"action"}),
	}

	registerer.MustRegister(
		m.ordersCreated,
		m.submissions,
		m.statusChanges,
		m.syncDuration,
		m.paymentsDone,
		m.webhookEvents,
		m.ledgerEntries,
		m.providerErrors,
	)
	return m
}

// OrderCreated учитывает созданный заказ.
func (m *Metrics) OrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

// Submission учитывает попытку отправки заказа: submitted, duplicate, failed или unrecorded.
func (m *Metrics) Submission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

// StatusChanged учитывает смену статуса заказа.
func (m *Metrics) StatusChanged(status string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(status).Inc()
}

// ObserveSync записывает длительность синхронизации.
func (m *Metrics) ObserveSync(d time.Duration) {
	if m == nil {
		return
	}
	m.syncDuration.Observe(d.Seconds())
}

// PaymentCompleted учитывает завершённый платёж.
func (m *Metrics) PaymentCompleted(method string) {
	if m == nil {
		return
	}
	m.paymentsDone.WithLabelValues(method).Inc()
}

// WebhookEvent учитывает входящее уведомление платёжной системы.
func (m *Metrics) WebhookEvent(processor, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(processor, outcome).Inc()
}

// LedgerEntry учитывает запись в журнале кредитов.
func (m *Metrics) LedgerEntry(kind string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(kind).Inc()
}

// ProviderError учитывает сбой обращения к поставщику.
func (m *Metrics) ProviderError(action string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(action).Inc()
}
