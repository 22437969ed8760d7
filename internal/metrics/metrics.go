// Package metrics регистрирует метрики Prometheus планировщика и платежей.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Результаты попытки продления.
const (
	RenewalConfirmed = "confirmed"
	RenewalRetry     = "retry"
	RenewalExhausted = "exhausted"
	RenewalError     = "error"
)

// Billing метрики биллинга. Нулевой указатель допустим и ничего не пишет.
type Billing struct {
	sweepDuration    *prometheus.HistogramVec
	renewals         *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	checkouts        *prometheus.CounterVec
	subscriptionErrs *prometheus.CounterVec
}

// NewBilling регистрирует метрики в registry.
func NewBilling(registry prometheus.Registerer) *Billing {
	factory := promauto.With(registry)
	return &Billing{
		sweepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subscription_sweep_phase_duration_seconds",
				Help:    "Duration of one scheduler sweep phase",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		renewals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscription_renewals_total",
				Help: "Recurring charge attempts by result",
			},
			[]string{"result"},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscription_notifications_total",
				Help: "User notifications by kind and delivery result",
			},
			[]string{"kind", "result"},
		),
		checkouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscription_checkouts_total",
				Help: "Checkout operations by stage",
			},
			[]string{"stage"},
		),
		subscriptionErrs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscription_sweep_errors_total",
				Help: "Per-subscription errors during a sweep",
			},
			[]string{"phase"},
		),
	}
}

// ObservePhase записывает длительность фазы sweep.
func (b *Billing) ObservePhase(phase string, d time.Duration) {
	if b == nil {
		return
	}
	b.sweepDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// IncRenewal считает попытку продления.
func (b *Billing) IncRenewal(result string) {
	if b == nil {
		return
	}
	b.renewals.WithLabelValues(result).Inc()
}

// IncNotification считает отправку уведомления.
func (b *Billing) IncNotification(kind string, err error) {
	if b == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	b.notifications.WithLabelValues(kind, result).Inc()
}

// IncCheckout считает этап оформления: started, confirmed, failed.
func (b *Billing) IncCheckout(stage string) {
	if b == nil {
		return
	}
	b.checkouts.WithLabelValues(stage).Inc()
}

// IncSweepError считает ошибку обработки одной подписки.
func (b *Billing) IncSweepError(phase string) {
	if b == nil {
		return
	}
	b.subscriptionErrs.WithLabelValues(phase).Inc()
}
