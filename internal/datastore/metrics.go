package datastore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gitrecords",
		Name:      "cache_requests_total",
		Help:      "Bucket cache lookups by entity type and result (hit, miss).",
	}, []string{"entity", "result"})

	decodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gitrecords",
		Name:      "decode_failures_total",
		Help:      "Entity files skipped because their content could not be decoded.",
	}, []string{"entity"})

	writeConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gitrecords",
		Name:      "write_conflicts_total",
		Help:      "Writes rejected by the content hash precondition.",
	}, []string{"entity", "operation"})
)
