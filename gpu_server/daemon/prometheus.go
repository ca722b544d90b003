package daemon

import (
	"net/http"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/salahudeenofficial/qwen-production/common/utils"
	"github.com/salahudeenofficial/qwen-production/gpu_server/domain"
)

const metricsNamespace = "vton"

// GpuServerPrometheusManager registers the node's metrics with Prometheus and
// serves them via the daemon's /metrics endpoint. It keeps itself in sync with
// the job lifecycle by observing the event emitter rather than being called
// explicitly from every code path.
type GpuServerPrometheusManager struct {
	log    logger.Logger
	nodeId string

	prometheusHandler http.Handler

	// InferencesCompleted counts successful inferences on this node.
	InferencesCompleted *prometheus.CounterVec

	// InferenceErrors counts inferences that ended in a fault.
	InferenceErrors *prometheus.CounterVec

	// JobsRejected counts submissions turned away with 429 because the GPU was busy.
	JobsRejected *prometheus.CounterVec

	// CallbacksSent, CallbackRetries, and CallbacksFailed track the delivery of
	// results to the Asset Service.
	CallbacksSent   *prometheus.CounterVec
	CallbackRetries *prometheus.CounterVec
	CallbacksFailed *prometheus.CounterVec

	// InferenceLatency observes the duration of successful inferences, in seconds.
	InferenceLatency *prometheus.HistogramVec

	// GpuBusy is 1 while a job occupies the GPU and 0 otherwise.
	GpuBusy *prometheus.GaugeVec

	// GpuMemoryUsed reports the used device memory, in bytes, sampled on each scrape.
	GpuMemoryUsed *prometheus.GaugeVec

	// memoryUsedFn samples the device memory. Defaults to NVML; replaceable for tests
	// and for hosts without NVIDIA hardware.
	memoryUsedFn func() (uint64, error)
}

func NewGpuServerPrometheusManager(nodeId string) (*GpuServerPrometheusManager, error) {
	manager := &GpuServerPrometheusManager{
		nodeId:            nodeId,
		prometheusHandler: promhttp.Handler(),
		memoryUsedFn:      utils.GetGpuMemoryUsed,
	}
	config.InitLogger(&manager.log, manager)

	if err := manager.initMetrics(); err != nil {
		return nil, err
	}

	return manager, nil
}

func (m *GpuServerPrometheusManager) initMetrics() error {
	m.InferencesCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "inference_total",
		Help:      "Total number of successful inferences served by this node",
	}, []string{"node_id"})

	m.InferenceErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "inference_errors_total",
		Help:      "Total number of inferences that ended in a fault",
	}, []string{"node_id"})

	m.JobsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "jobs_rejected_total",
		Help:      "Total number of submissions rejected because the GPU was busy",
	}, []string{"node_id"})

	m.CallbacksSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "callbacks_sent_total",
		Help:      "Total number of results successfully delivered to the Asset Service",
	}, []string{"node_id"})

	m.CallbackRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "callback_retries_total",
		Help:      "Total number of callback delivery attempts that had to be retried",
	}, []string{"node_id"})

	m.CallbacksFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "callbacks_failed_total",
		Help:      "Total number of results abandoned after exhausting every delivery attempt",
	}, []string{"node_id"})

	m.InferenceLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "inference_latency_seconds",
		Help:      "Duration of successful inferences, in seconds",
	}, []string{"node_id"})

	m.GpuBusy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "gpu_busy",
		Help:      "1 while a job occupies the GPU, 0 otherwise",
	}, []string{"node_id"})

	m.GpuMemoryUsed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "gpu_memory_used_bytes",
		Help:      "Used device memory on this node, in bytes",
	}, []string{"node_id"})

	collectors := []prometheus.Collector{
		m.InferencesCompleted, m.InferenceErrors, m.JobsRejected,
		m.CallbacksSent, m.CallbackRetries, m.CallbacksFailed,
		m.InferenceLatency, m.GpuBusy, m.GpuMemoryUsed,
	}
	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			m.log.Error(utils.RedStyle.Render("Failed to register Prometheus metric because: %v"), err)
			return err
		}
	}

	return nil
}

// ObserveEvent is registered with the event emitter; it translates lifecycle
// events into metric updates.
func (m *GpuServerPrometheusManager) ObserveEvent(event *domain.LifecycleEvent) {
	switch event.Kind {
	case domain.EventGpuBusyRejected:
		m.JobsRejected.WithLabelValues(m.nodeId).Inc()
	case domain.EventInferenceStarted:
		m.GpuBusy.WithLabelValues(m.nodeId).Set(1)
	case domain.EventInferenceCompleted:
		m.InferencesCompleted.WithLabelValues(m.nodeId).Inc()
		if millis, ok := event.Extra["inference_time_ms"].(int64); ok {
			m.InferenceLatency.WithLabelValues(m.nodeId).Observe(float64(millis) / 1000.0)
		}
	case domain.EventInferenceFailed:
		m.InferenceErrors.WithLabelValues(m.nodeId).Inc()
	case domain.EventCallbackSentAsset:
		m.CallbacksSent.WithLabelValues(m.nodeId).Inc()
	case domain.EventCallbackRetrying:
		m.CallbackRetries.WithLabelValues(m.nodeId).Inc()
	case domain.EventCallbackFailed:
		m.CallbacksFailed.WithLabelValues(m.nodeId).Inc()
	case domain.EventCleanupComplete:
		m.GpuBusy.WithLabelValues(m.nodeId).Set(0)
	}
}

// WithGpuMemorySampler replaces the device-memory sampler. Intended for tests.
func (m *GpuServerPrometheusManager) WithGpuMemorySampler(sampler func() (uint64, error)) *GpuServerPrometheusManager {
	m.memoryUsedFn = sampler
	return m
}

// sampleGpuMemory refreshes the memory gauge. NVML being unavailable (no NVIDIA
// hardware or drivers) is expected on development hosts, so failures are logged at
// debug level and the gauge is left at its previous value.
func (m *GpuServerPrometheusManager) sampleGpuMemory() {
	used, err := m.memoryUsedFn()
	if err != nil {
		m.log.Debug("Could not sample GPU memory: %v", err)
		return
	}

	m.GpuMemoryUsed.WithLabelValues(m.nodeId).Set(float64(used))
}

// HandleRequest serves Prometheus metric-scraping requests. The memory gauge is
// sampled on each scrape so that it tracks the device without a background poller.
func (m *GpuServerPrometheusManager) HandleRequest(c *gin.Context) {
	m.sampleGpuMemory()
	m.prometheusHandler.ServeHTTP(c.Writer, c.Request)
}
