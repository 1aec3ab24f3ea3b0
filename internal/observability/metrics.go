package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersSent      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "order_dispatch", Name: "offers_sent_total", Help: "Total order offers pushed to drivers"})
	AcceptsWon      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "order_dispatch", Name: "accepts_won_total", Help: "Total successful order acceptances"})
	AcceptsLost     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "order_dispatch", Name: "accepts_lost_total", Help: "Total acceptance attempts lost to contention or stale state"})
	LockContention  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "order_dispatch", Name: "lock_contention_total", Help: "Total order lock acquisition failures"})
	RejectsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "order_dispatch", Name: "rejects_total", Help: "Total driver rejections"})
	RetryRounds     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "order_dispatch", Name: "retry_rounds_total", Help: "Total retry rounds executed"})
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "order_dispatch", Name: "dispatch_latency_seconds", Help: "Latency of a dispatch pass"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "order_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "order_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "order_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
