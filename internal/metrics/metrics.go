package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	namespace = "weather"
	subsystem = "telemetry"

	// JobName groups pushed series on the Pushgateway.
	JobName = "weather_telemetry_push"
)

// Outcome labels the terminal state of a run.
type Outcome string

const (
	OutcomePublished     Outcome = "published"
	OutcomeConfigFailed  Outcome = "config_failed"
	OutcomeFetchFailed   Outcome = "fetch_failed"
	OutcomePublishFailed Outcome = "publish_failed"
	OutcomeConflict      Outcome = "conflict"
)

var outcomes = []Outcome{
	OutcomePublished,
	OutcomeConfigFailed,
	OutcomeFetchFailed,
	OutcomePublishFailed,
	OutcomeConflict,
}

// Run holds the gauges describing a single push. It owns its registry so a
// run never reports series from anything else in the process.
type Run struct {
	registry *prometheus.Registry

	// LastRun stores the unix time the run finished.
	LastRun prometheus.Gauge
	// Duration stores how long the run took (in seconds).
	Duration prometheus.Gauge
	// Points stores the series length after the run.
	Points prometheus.Gauge
	// Outcome is 1 for the terminal state of the run and 0 for the others.
	Outcome *prometheus.GaugeVec
	// Corrupted is 1 when the stored document could not be parsed.
	Corrupted prometheus.Gauge
	// Reading carries the published values, one series per quantity.
	Reading *prometheus.GaugeVec
}

// NewRun creates a Run with all gauges registered.
func NewRun() *Run {
	r := &Run{
		registry: prometheus.NewRegistry(),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last push finished",
		}),
		Duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "run_duration_seconds",
			Help:      "Seconds taken by the last push",
		}),
		Points: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stored_points",
			Help:      "Number of measurements in the published document",
		}),
		Outcome: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "run_outcome",
			Help:      "Terminal state of the last push, 1 for the state reached",
		}, []string{"outcome"}),
		Corrupted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "document_corrupted",
			Help:      "1 when the stored document was discarded as corrupted",
		}),
		Reading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reading",
			Help:      "Last published reading partitioned by quantity",
		}, []string{"quantity"}),
	}
	r.registry.MustRegister(r.LastRun, r.Duration, r.Points, r.Outcome, r.Corrupted, r.Reading)
	return r
}

// Registry exposes the registry the run's gauges live in.
func (r *Run) Registry() *prometheus.Registry {
	return r.registry
}

// Finish records the terminal state of the run.
func (r *Run) Finish(outcome Outcome, started, finished time.Time) {
	for _, o := range outcomes {
		v := 0.0
		if o == outcome {
			v = 1
		}
		r.Outcome.WithLabelValues(string(o)).Set(v)
	}
	r.Duration.Set(finished.Sub(started).Seconds())
	r.LastRun.Set(float64(finished.Unix()))
}

// ObserveReading records the published values.
func (r *Run) ObserveReading(temperature, humidity, pressure float64) {
	r.Reading.WithLabelValues("temperature").Set(temperature)
	r.Reading.WithLabelValues("humidity").Set(humidity)
	r.Reading.WithLabelValues("pressure").Set(pressure)
}

// Push sends the run's series to a Pushgateway, replacing the previous
// push for the same grouping.
func (r *Run) Push(ctx context.Context, gatewayURL string, grouping map[string]string) error {
	p := push.New(gatewayURL, JobName).Gatherer(r.registry)
	for k, v := range grouping {
		p = p.Grouping(k, v)
	}
	return p.PushContext(ctx)
}
