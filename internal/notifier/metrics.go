package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionguard_alerts_total",
			Help: "Submitted alerts by terminal outcome.",
		},
		[]string{"outcome"},
	)
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionguard_alert_attempts_total",
			Help: "SMTP delivery attempts by classification.",
		},
		[]string{"result"},
	)
	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "visionguard_alert_delivery_seconds",
			Help:    "Time from submit to terminal outcome for delivered or failed alerts.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)
	poolDials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionguard_smtp_dials_total",
			Help: "New SMTP sessions opened by the connection pool.",
		},
		[]string{"result"},
	)
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "visionguard_alert_queue_depth",
		Help: "Alerts waiting for a delivery worker.",
	})
)
