package quota

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tierCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quotagate",
			Subsystem: "quota",
			Name:      "tier_cache_lookups_total",
			Help:      "Tier cache lookups by result",
		},
		[]string{"result"}, // hit, miss, fallback
	)

	webhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quotagate",
			Subsystem: "quota",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by final status",
		},
		[]string{"status"}, // delivered, failed
	)
)
