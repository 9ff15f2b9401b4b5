package usecase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "orders",
		Name:      "submitted_total",
		Help:      "Orders accepted by the exchange, by side.",
	}, []string{"side"})

	ordersFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "orders",
		Name:      "failed_total",
		Help:      "Order submissions that failed after all retries.",
	})

	ordersFilled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "orders",
		Name:      "filled_total",
		Help:      "Orders that reached filled status.",
	})

	ordersCanceled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "orders",
		Name:      "canceled_total",
		Help:      "Orders that were canceled before completion.",
	})

	orderVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "orders",
		Name:      "notional_volume",
		Help:      "Filled notional volume in quote currency, by side.",
	}, []string{"side"})

	tickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "engine",
		Name:      "tick_errors_total",
		Help:      "Bot ticks that ended in an error.",
	})

	emergencyStops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "engine",
		Name:      "emergency_stops_total",
		Help:      "Emergency liquidations triggered by repeated tick failures.",
	})

	botsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridbot",
		Subsystem: "engine",
		Name:      "bots_running",
		Help:      "Number of bot runners currently executing.",
	})
)
