// Package metrics provides pipeline metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains Prometheus metrics for the streaming pipeline.
// All recording methods are safe on a nil receiver so metrics stay optional.
type PipelineMetrics struct {
	registry *prometheus.Registry

	// Scheduler metrics
	timersAllocated *prometheus.CounterVec
	jobPanics       *prometheus.CounterVec

	// Orchestrator metrics
	decodeSteps     *prometheus.CounterVec
	decodeBackoffs  *prometheus.CounterVec
	seeks           *prometheus.CounterVec
	streamsFinished *prometheus.CounterVec
	activeStreams   prometheus.Gauge
	waitTimeouts    *prometheus.CounterVec

	// Buffer pool metrics
	poolHits   *prometheus.CounterVec
	poolMisses *prometheus.CounterVec
	poolDrops  *prometheus.CounterVec

	// Input and output metrics
	bytesRead   *prometheus.CounterVec
	bytesPlayed *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewPipelineMetrics creates and registers new pipeline metrics
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.timersAllocated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mprt_scheduler_timers_allocated_total",
			Help: "Timer objects constructed because the free pool was empty",
		},
		[]string{"stage"},
	)
	m.jobPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mprt_scheduler_job_panics_total",
			Help: "Jobs that panicked and were recovered by the scheduler loop",
		},
		[]string{"stage"},
	)

	m.decodeSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mprt_decode_steps_total",
			Help: "Single-step decode invocations",
		},
		[]string{"decoder"},
	)
	m.decodeBackoffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mprt_decode_backoffs_total",
			Help: "Decode loop reschedules caused by missing or full output buffers",
		},
		[]string{"reason"},
	)
	m.seeks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mprt_seeks_total",
			Help: "Seek operations by kind and outcome",
		},
		[]string{"kind", "result"},
	)
	m.streamsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mprt_streams_finished_total",
			Help: "Streams moved to the finished state",
		},
		[]string{"reason"},
	)
	m.activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mprt_active_streams",
			Help: "Streams in the active decode queue",
		},
	)
	m.waitTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mprt_buffer_wait_timeouts_total",
			Help: "Bounded buffer waits that gave up",
		},
		[]string{"operation"},
	)

	m.poolHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mprt_buffer_pool_hits_total",
			Help: "Checkouts served from the free list",
		},
		[]string{"pool"},
	)
	m.poolMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mprt_buffer_pool_misses_total",
			Help: "Checkouts that invoked the factory",
		},
		[]string{"pool"},
	)
	m.poolDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mprt_buffer_pool_drops_total",
			Help: "Checked-in items dropped because the free list was full",
		},
		[]string{"pool"},
	)

	m.bytesRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mprt_input_bytes_total",
			Help: "Raw bytes read by input stages",
		},
		[]string{"input"},
	)
	m.bytesPlayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mprt_output_bytes_total",
			Help: "PCM bytes handed to output devices",
		},
		[]string{"device"},
	)

	m.collectors = []prometheus.Collector{
		m.timersAllocated,
		m.jobPanics,
		m.decodeSteps,
		m.decodeBackoffs,
		m.seeks,
		m.streamsFinished,
		m.activeStreams,
		m.waitTimeouts,
		m.poolHits,
		m.poolMisses,
		m.poolDrops,
		m.bytesRead,
		m.bytesPlayed,
	}
}

// Describe implements the Collector interface
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordTimerAllocated records construction of a new timer object
func (m *PipelineMetrics) RecordTimerAllocated(stage string) {
	if m == nil {
		return
	}
	m.timersAllocated.WithLabelValues(stage).Inc()
}

// RecordJobPanic records a recovered job panic
func (m *PipelineMetrics) RecordJobPanic(stage string) {
	if m == nil {
		return
	}
	m.jobPanics.WithLabelValues(stage).Inc()
}

// RecordDecodeStep records one decoder step
func (m *PipelineMetrics) RecordDecodeStep(decoder string) {
	if m == nil {
		return
	}
	m.decodeSteps.WithLabelValues(decoder).Inc()
}

// RecordDecodeBackoff records a decode loop reschedule
func (m *PipelineMetrics) RecordDecodeBackoff(reason string) {
	if m == nil {
		return
	}
	m.decodeBackoffs.WithLabelValues(reason).Inc()
}

// RecordSeek records a seek of the given kind ("byte" or "duration")
func (m *PipelineMetrics) RecordSeek(kind, result string) {
	if m == nil {
		return
	}
	m.seeks.WithLabelValues(kind, result).Inc()
}

// RecordStreamFinished records a stream reaching the finished state
func (m *PipelineMetrics) RecordStreamFinished(reason string) {
	if m == nil {
		return
	}
	m.streamsFinished.WithLabelValues(reason).Inc()
}

// UpdateActiveStreams sets the active stream gauge
func (m *PipelineMetrics) UpdateActiveStreams(count int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(count))
}

// RecordWaitTimeout records a bounded wait that expired
func (m *PipelineMetrics) RecordWaitTimeout(operation string) {
	if m == nil {
		return
	}
	m.waitTimeouts.WithLabelValues(operation).Inc()
}

// RecordPoolCheckout records a pool checkout as a hit or a miss
func (m *PipelineMetrics) RecordPoolCheckout(pool string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.poolHits.WithLabelValues(pool).Inc()
		return
	}
	m.poolMisses.WithLabelValues(pool).Inc()
}

// RecordPoolDrop records a checked-in item that did not fit the free list
func (m *PipelineMetrics) RecordPoolDrop(pool string) {
	if m == nil {
		return
	}
	m.poolDrops.WithLabelValues(pool).Inc()
}

// RecordBytesRead adds raw input bytes
func (m *PipelineMetrics) RecordBytesRead(input string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRead.WithLabelValues(input).Add(float64(n))
}

// RecordBytesPlayed adds PCM bytes handed to a device
func (m *PipelineMetrics) RecordBytesPlayed(device string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesPlayed.WithLabelValues(device).Add(float64(n))
}
