package host

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	resets        *prometheus.CounterVec
	enumErrors    *prometheus.CounterVec
	timeouts      prometheus.Counter
	devices       prometheus.Gauge
	activeReset   prometheus.Gauge
	notifications prometheus.Counter
}

// newMetrics creates the controller collectors. A nil registerer leaves
// them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		resets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usbenum_port_resets_total",
			Help: "Number of bus resets issued, by port location.",
		}, []string{"location"}),
		enumErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usbenum_enumeration_errors_total",
			Help: "Number of enumeration errors reported, by phase.",
		}, []string{"location"}),
		timeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "usbenum_request_timeouts_total",
			Help: "Number of bus requests aborted after their deadline.",
		}),
		devices: f.NewGauge(prometheus.GaugeOpts{
			Name: "usbenum_devices",
			Help: "Number of live device objects.",
		}),
		activeReset: f.NewGauge(prometheus.GaugeOpts{
			Name: "usbenum_active_reset",
			Help: "1 while a port holds the active-reset permit.",
		}),
		notifications: f.NewCounter(prometheus.CounterOpts{
			Name: "usbenum_hub_notifications_total",
			Help: "Number of hub status-change notifications processed.",
		}),
	}
}
