// Package metrics — счётчики Prometheus для сервера статистики.
// Включаются флагом TELEGRAM_STAT; при выключенном флаге регистрация
// всё равно выполняется, просто /metrics никто не слушает.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal — запросы к фасаду Bot API по методам и исходам.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botapi",
		Name:      "requests_total",
		Help:      "Bot API requests by method and status code.",
	}, []string{"method", "code"})

	// UpdatesTotal — апдейты, принятые из MTProto и поставленные в очереди.
	UpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botapi",
		Name:      "updates_total",
		Help:      "Updates received from Telegram and enqueued.",
	})

	// WebhookDeliveries — попытки доставки вебхуков по исходам.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botapi",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	// ActiveBots — количество живых акторов сессий.
	ActiveBots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "botapi",
		Name:      "active_bots",
		Help:      "Bot sessions currently resident in memory.",
	})

	// QueueDepth — суммарная глубина очередей неподтверждённых апдейтов.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "botapi",
		Name:      "update_queue_depth",
		Help:      "Unconfirmed updates across all bot queues.",
	})

	// FileCacheBytes — занятый объём файлового кэша.
	FileCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "botapi",
		Name:      "file_cache_bytes",
		Help:      "Bytes occupied by the downloaded file cache.",
	})
)

// Outcome-метки WebhookDeliveries.
const (
	OutcomeOK      = "ok"
	OutcomeRetry   = "retry"
	OutcomeDropped = "dropped"
)

// Handler отдаёт HTTP-обработчик /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
