package main

import (
	"github.com/caarlos0/safehome/arming"
	"github.com/caarlos0/safehome/emergency"
	"github.com/caarlos0/safehome/event"
	"github.com/caarlos0/safehome/history"
	"github.com/caarlos0/safehome/incident"
	"github.com/caarlos0/safehome/notify"
	"github.com/caarlos0/safehome/zone"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var armStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "safehome",
	Subsystem: "alarm",
	Name:      "state",
	Help:      "Current arming mode, as its numeric value.",
})

var sirenGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "safehome",
	Subsystem: "alarm",
	Name:      "siren",
	Help:      "Whether the siren is sounding.",
})

var readingsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "safehome",
	Subsystem: "zone",
	Name:      "readings_total",
	Help:      "Readings ingested, by outcome.",
}, []string{"outcome"})

var bypassedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "safehome",
	Subsystem: "zone",
	Name:      "bypassed",
	Help:      "Whether a sensor is bypassed.",
}, []string{"sensor"})

var alarmsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "safehome",
	Subsystem: "alarm",
	Name:      "triggers_total",
	Help:      "Alarm triggers, by kind.",
}, []string{"kind"})

var failedAttemptsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "safehome",
	Subsystem: "alarm",
	Name:      "failed_attempts_total",
	Help:      "Invalid codes entered.",
})

var incidentsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "safehome",
	Subsystem: "incident",
	Name:      "transitions_total",
	Help:      "Incident lifecycle events, by event and class.",
}, []string{"event", "class"})

var notificationsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "safehome",
	Subsystem: "notify",
	Name:      "messages_total",
	Help:      "Notifications finished, by channel and status.",
}, []string{"channel", "status"})

var dispatchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "safehome",
	Subsystem: "emergency",
	Name:      "dispatches_total",
	Help:      "Emergency dispatches finished, by status.",
}, []string{"status"})

// recordMetrics is the bus subscriber updating the metrics above.
func recordMetrics(ev event.Event) {
	switch ev := ev.(type) {
	case zone.ReadingRecorded:
		readingsCounter.WithLabelValues(ev.Outcome.String()).Inc()
	case zone.BypassSet:
		bypassedGauge.WithLabelValues(ev.SensorID).Set(1)
	case zone.BypassCleared:
		bypassedGauge.WithLabelValues(ev.SensorID).Set(0)
	case arming.StateChanged:
		armStateGauge.Set(float64(ev.To))
	case arming.SirenChanged:
		sirenGauge.Set(boolToFloat(ev.On))
	case arming.AlarmTriggered:
		alarmsCounter.WithLabelValues(ev.Kind.String()).Inc()
	case arming.FailedAttempt:
		failedAttemptsCounter.Inc()
	case incident.Updated:
		// log entries only.
	case notify.Delivered:
		notificationsCounter.WithLabelValues(ev.Message.Channel, notify.StatusDelivered.String()).Inc()
	case notify.DeliveryFailed:
		notificationsCounter.WithLabelValues(ev.Message.Channel, notify.StatusFailed.String()).Inc()
	case emergency.Accepted:
		dispatchCounter.WithLabelValues(emergency.StatusAccepted.String()).Inc()
	case emergency.Unavailable:
		dispatchCounter.WithLabelValues(emergency.StatusUnavailable.String()).Inc()
	default:
		if inc, ok := history.Snapshot(ev); ok {
			incidentsCounter.WithLabelValues(ev.Name(), inc.Class.String()).Inc()
		}
	}
}
