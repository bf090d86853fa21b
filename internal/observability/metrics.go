package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the daemon's Prometheus collectors. Each instance owns its
// registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	// Run metrics
	RunsStarted   prometheus.Counter
	RunsFinished  *prometheus.CounterVec
	RunActive     prometheus.Gauge
	Iterations    prometheus.Counter
	PrimaryClicks prometheus.Counter
	RunDuration   prometheus.Histogram

	// Auth metrics
	LoginAttempts  *prometheus.CounterVec
	PopupDetection *prometheus.HistogramVec
	ControlClicks  *prometheus.CounterVec

	// Channel metrics
	MessagesHandled *prometheus.CounterVec
	TabEvents       *prometheus.CounterVec

	// Delivery metrics
	WebhookDeliveries *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		RunsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "autotap_runs_started_total",
			Help: "Total number of runs that passed the re-entrancy guard",
		}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autotap_runs_finished_total",
			Help: "Total number of finished runs by stop reason",
		}, []string{"reason"}),
		RunActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "autotap_run_active",
			Help: "1 while a run is starting or running",
		}),
		Iterations: f.NewCounter(prometheus.CounterOpts{
			Name: "autotap_iterations_total",
			Help: "Polling loop iterations across all runs",
		}),
		PrimaryClicks: f.NewCounter(prometheus.CounterOpts{
			Name: "autotap_primary_clicks_total",
			Help: "Primary action clicks across all runs",
		}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "autotap_run_duration_seconds",
			Help:    "Wall-clock duration of finished runs",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200},
		}),

		LoginAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autotap_login_attempts_total",
			Help: "Login attempts by method and outcome",
		}, []string{"method", "outcome"}),
		PopupDetection: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autotap_popup_detection_seconds",
			Help:    "Time from login click to popup discovery, by winning signal",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 15},
		}, []string{"signal"}),
		ControlClicks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autotap_control_clicks_total",
			Help: "Remote control click requests by outcome",
		}, []string{"outcome"}),

		MessagesHandled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autotap_messages_total",
			Help: "Script messages handled by action and success",
		}, []string{"action", "success"}),
		TabEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autotap_tab_events_total",
			Help: "Tab navigation events seen by the tab watcher, by classification",
		}, []string{"match"}),

		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autotap_webhook_deliveries_total",
			Help: "Statistics deliveries by outcome",
		}, []string{"outcome"}),
	}
}

// ObserveRunFinished records the end of a run.
func (m *Metrics) ObserveRunFinished(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(reason).Inc()
	m.RunDuration.Observe(d.Seconds())
	m.RunActive.Set(0)
}

// ObserveLogin records one login attempt.
func (m *Metrics) ObserveLogin(method string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.LoginAttempts.WithLabelValues(method, outcome).Inc()
}
