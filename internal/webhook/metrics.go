package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhookEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gitrecords",
		Name:      "webhook_evictions_total",
		Help:      "Bucket cache keys evicted because of external repository changes.",
	})

	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gitrecords",
		Name:      "webhook_events_total",
		Help:      "Webhook deliveries by event type and outcome.",
	}, []string{"event", "outcome"})
)
