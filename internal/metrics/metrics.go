package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelabs_executions_total",
		Help: "Total number of script executions by script type and outcome.",
	}, []string{"script_type", "outcome"})
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "livelabs_execution_duration_seconds",
		Help:    "Duration of script executions inside sandbox containers.",
		Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
	AppContainersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livelabs_app_containers_running",
		Help: "Number of companion app containers currently running.",
	})
	AppContainerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livelabs_app_container_restarts_total",
		Help: "Total number of app container restarts issued by the manager.",
	})
	ImagePullsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelabs_image_pulls_total",
		Help: "Total number of image pulls by outcome.",
	}, []string{"outcome"})
	ImagePullDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "livelabs_image_pull_seconds",
		Help:    "Duration of image pull operations.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
	TTYSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livelabs_tty_sessions_active",
		Help: "Number of open terminal sessions.",
	})
	TTYSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livelabs_tty_sessions_total",
		Help: "Total number of terminal sessions opened.",
	})
	ProxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelabs_proxy_requests_total",
		Help: "Total number of embedding proxy requests by outcome.",
	}, []string{"outcome"})
	InitRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelabs_init_runs_total",
		Help: "Total number of enrollment init runs by outcome.",
	}, []string{"outcome"})
)
