// internal/service/stock/application/metrics.go
package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	freezeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_freeze_total",
		Help: "Freeze outcomes by result (frozen, insufficient, duplicate).",
	}, []string{"result"})

	confirmTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_confirm_total",
		Help: "Confirmed reservations.",
	})

	rollbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_rollback_total",
		Help: "Rollbacks by type.",
	}, []string{"type"})

	lockTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_lock_timeout_total",
		Help: "Lock acquisitions that timed out and were left for redelivery.",
	})

	lockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_lock_wait_seconds",
		Help:    "Time spent inside the product lock, acquisition included.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms ~ 8s
	})
)
