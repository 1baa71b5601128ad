package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciler metrics
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_cycles_total",
			Help: "Total number of reconciliation cycles by result",
		},
		[]string{"result"},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shepherd_cycle_duration_seconds",
			Help:    "Reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ChangesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_changes_detected_total",
			Help: "Total number of detected changes by signal",
		},
		[]string{"signal"},
	)

	ConsecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shepherd_consecutive_failures",
			Help: "Consecutive failed reconciliation cycles",
		},
	)

	// Deploy metrics
	DeploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_deploys_total",
			Help: "Total number of stack deploys by outcome",
		},
		[]string{"outcome"},
	)

	DeployDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shepherd_deploy_duration_seconds",
			Help:    "Stack deploy duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LastDeployTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shepherd_last_deploy_timestamp_seconds",
			Help: "Unix timestamp of the last successful deploy",
		},
	)

	// Watcher metrics
	GitSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shepherd_git_sync_duration_seconds",
			Help:    "Git repository sync duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RegistryResolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shepherd_registry_resolve_duration_seconds",
			Help:    "Image digest resolution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Notification metrics
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_notifications_total",
			Help: "Total number of notifications by status",
		},
		[]string{"status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(CyclesTotal)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(ChangesDetectedTotal)
	prometheus.MustRegister(ConsecutiveFailures)
	prometheus.MustRegister(DeploysTotal)
	prometheus.MustRegister(DeployDuration)
	prometheus.MustRegister(LastDeployTimestamp)
	prometheus.MustRegister(GitSyncDuration)
	prometheus.MustRegister(RegistryResolveDuration)
	prometheus.MustRegister(NotificationsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
