package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors exported by the
// scheduler and worker-node daemons.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Scheduler placement (§4.3, §4.4)
	dispatchTotal        *prometheus.CounterVec
	reconcileTotal       prometheus.Counter
	requestsQueuedTotal  prometheus.Counter
	requestsDroppedTotal *prometheus.CounterVec

	// Registry / cache / pool state (§4.1-§4.2)
	nodesRegistered prometheus.Gauge
	nodesDirty      prometheus.Gauge
	cacheEntries    prometheus.Gauge
	idlePoolSize    prometheus.Gauge
	waitListDepth   prometheus.Gauge

	// Worker loop (§4.6)
	workerRetriesTotal *prometheus.CounterVec
	workerOutcomeTotal *prometheus.CounterVec
	acquireVMDuration  prometheus.Histogram
	launchVMDuration   prometheus.Histogram
	invokeDuration     *prometheus.HistogramVec

	// Local resource manager (§4.7)
	resourceUpdatesTotal *prometheus.CounterVec
	evictionsTotal       *prometheus.CounterVec
	memoryInUse          prometheus.Gauge

	uptime prometheus.GaugeFunc
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var (
	promMetrics *PrometheusMetrics
	startOnce   sync.Once
	startTime   time.Time
)

// StartTime returns the moment the metrics subsystem was first initialized.
func StartTime() time.Time {
	startOnce.Do(func() { startTime = timeNow() })
	return startTime
}

// timeNow is a seam so tests can stub the clock if ever needed; production
// code always goes through time.Now.
var timeNow = time.Now

// InitPrometheus initializes the Prometheus metrics subsystem under a
// namespace (both daemons pass config's metrics namespace, default "pulsar").
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Placement decisions made by the scheduler, by outcome",
			},
			[]string{"outcome"}, // cached_match, fallback_idle
		),

		reconcileTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_total",
				Help:      "Number of cache-index reconciliation passes run after a resource update",
			},
		),

		requestsQueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_queued_total",
				Help:      "Total requests parked on the pending queue for lack of an idle worker",
			},
		),

		requestsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_dropped_total",
				Help:      "Total requests rejected at admission, by reason",
			},
			[]string{"reason"}, // function_not_exist
		),

		nodesRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nodes_registered",
				Help:      "Current number of worker nodes known to the registry",
			},
		),

		nodesDirty: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nodes_dirty",
				Help:      "Current number of nodes whose cache view is marked dirty",
			},
		),

		cacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Current number of function-to-node cache index entries",
			},
		),

		idlePoolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "idle_pool_size",
				Help:      "Current number of idle workers available across all nodes",
			},
		),

		waitListDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "wait_list_depth",
				Help:      "Current number of requests parked on the wait list",
			},
		),

		workerRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_retries_total",
				Help:      "Total retries performed by worker loops against successive VMs",
			},
			[]string{"function"},
		),

		workerOutcomeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_outcome_total",
				Help:      "Terminal outcomes of worker request handling",
			},
			[]string{"function", "outcome"}, // the protocol.InvokeStatus value, e.g. sent_to_vm, process_request_failed
		),

		acquireVMDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "acquire_vm_duration_milliseconds",
				Help:      "Time spent acquiring a VM from the local resource manager",
				Buckets:   buckets,
			},
		),

		launchVMDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "launch_vm_duration_milliseconds",
				Help:      "Time spent launching a VM on the assigned node",
				Buckets:   buckets,
			},
		),

		invokeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invoke_duration_milliseconds",
				Help:      "Time spent in a single VM invocation attempt",
				Buckets:   buckets,
			},
			[]string{"function"},
		),

		resourceUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_updates_total",
				Help:      "Total UpdateResource pushes sent to the scheduler",
			},
			[]string{"trigger"}, // periodic, change_of_state (resource manager); push (scheduler, on receipt)
		),

		evictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evictions_total",
				Help:      "Total VM evictions performed by the local resource manager",
			},
			[]string{"reason"}, // admission
		),

		memoryInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_in_use_mb",
				Help:      "Memory currently accounted as in-use by the local resource manager",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since this daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.dispatchTotal,
		pm.reconcileTotal,
		pm.requestsQueuedTotal,
		pm.requestsDroppedTotal,
		pm.nodesRegistered,
		pm.nodesDirty,
		pm.cacheEntries,
		pm.idlePoolSize,
		pm.waitListDepth,
		pm.workerRetriesTotal,
		pm.workerOutcomeTotal,
		pm.acquireVMDuration,
		pm.launchVMDuration,
		pm.invokeDuration,
		pm.resourceUpdatesTotal,
		pm.evictionsTotal,
		pm.memoryInUse,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordDispatch records a placement decision outcome.
func RecordDispatch(outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.dispatchTotal.WithLabelValues(outcome).Inc()
}

// RecordReconcile records one cache-index reconciliation pass against an
// incoming ResourceInfo snapshot.
func RecordReconcile() {
	if promMetrics == nil {
		return
	}
	promMetrics.reconcileTotal.Inc()
}

// RecordQueued records a request being parked on the pending queue.
func RecordQueued() {
	if promMetrics == nil {
		return
	}
	promMetrics.requestsQueuedTotal.Inc()
}

// RecordDropped records a request rejected at admission.
func RecordDropped(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.requestsDroppedTotal.WithLabelValues(reason).Inc()
}

// SetNodesRegistered sets the current node registry size.
func SetNodesRegistered(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.nodesRegistered.Set(float64(n))
}

// SetNodesDirty sets the current count of dirty nodes.
func SetNodesDirty(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.nodesDirty.Set(float64(n))
}

// SetCacheEntries sets the current cache index size.
func SetCacheEntries(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheEntries.Set(float64(n))
}

// SetIdlePoolSize sets the current idle pool size.
func SetIdlePoolSize(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.idlePoolSize.Set(float64(n))
}

// SetWaitListDepth sets the current wait list depth.
func SetWaitListDepth(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.waitListDepth.Set(float64(n))
}

// RecordWorkerRetry records one retry attempt for a function's worker loop.
func RecordWorkerRetry(function string) {
	if promMetrics == nil {
		return
	}
	promMetrics.workerRetriesTotal.WithLabelValues(function).Inc()
}

// RecordWorkerOutcome records the terminal outcome of a worker request.
func RecordWorkerOutcome(function, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.workerOutcomeTotal.WithLabelValues(function, outcome).Inc()
}

// RecordAcquireVMDuration records time spent acquiring a VM from the local resource manager.
func RecordAcquireVMDuration(durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.acquireVMDuration.Observe(durationMs)
}

// RecordLaunchVMDuration records time spent launching a VM on a node.
func RecordLaunchVMDuration(durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.launchVMDuration.Observe(durationMs)
}

// RecordInvokeDuration records time spent on a single invocation attempt.
func RecordInvokeDuration(function string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.invokeDuration.WithLabelValues(function).Observe(durationMs)
}

// RecordResourceUpdate records an UpdateResource push from a node.
func RecordResourceUpdate(trigger string) {
	if promMetrics == nil {
		return
	}
	promMetrics.resourceUpdatesTotal.WithLabelValues(trigger).Inc()
}

// RecordEviction records a VM eviction on a worker node.
func RecordEviction(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.evictionsTotal.WithLabelValues(reason).Inc()
}

// SetMemoryInUse sets the memory currently accounted as in-use.
func SetMemoryInUse(mb uint64) {
	if promMetrics == nil {
		return
	}
	promMetrics.memoryInUse.Set(float64(mb))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}
