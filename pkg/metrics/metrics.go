package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bims"

var (
	Appends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "appends_total",
			Help:      "Append attempts by outcome.",
		},
		[]string{"result"},
	)
	AppendRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "append_retries_total",
			Help:      "Appends retried after losing the race for an index.",
		},
	)
	TailIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "tail_index",
			Help:      "Index of the last block committed by this process.",
		},
	)
	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Live event stream subscribers.",
		},
	)
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "events_published_total",
			Help:      "Events fanned out by the hub, by event name.",
		},
		[]string{"event"},
	)
	SubscribersDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers removed by the hub, by reason.",
		},
		[]string{"reason"},
	)
)

// Outcome labels for Appends.
const (
	ResultCommitted   = "committed"
	ResultContention  = "contention"
	ResultUnavailable = "unavailable"
	ResultInvalid     = "invalid"
)

// Drop reasons for SubscribersDropped.
const (
	ReasonSlowConsumer = "slow_consumer"
	ReasonWriteFailure = "write_failure"
	ReasonHubClosed    = "hub_closed"
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Appends,
		AppendRetries,
		TailIndex,
		Subscribers,
		EventsPublished,
		SubscribersDropped,
	}
}

// Register adds every collector to reg. Collectors already registered are
// left alone.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
