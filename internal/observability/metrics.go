package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "duplex_agent"

// Turn outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeFailed    = "failed"
)

// Admission decisions for speech heard while the agent is talking
const (
	AdmissionInterrupt = "interrupt"
	AdmissionIgnore    = "ignore"
)

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0}

// Metrics holds the Prometheus collectors for one agent process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	utterances        prometheus.Counter
	utterancesDropped prometheus.Counter
	interrupts        prometheus.Counter
	backchannels      prometheus.Counter
	turns             *prometheus.CounterVec
	admissions        *prometheus.CounterVec

	recognitionRequests *prometheus.CounterVec
	recognitionLatency  prometheus.Histogram
	ttftLatency         prometheus.Histogram
	synthesisLatency    prometheus.Histogram
	e2eLatency          prometheus.Histogram
	tokens              prometheus.Counter

	agentSpeaking prometheus.Gauge
	errorsTotal   *prometheus.CounterVec

	circuitBreakerState    *prometheus.GaugeVec
	circuitBreakerFailures *prometheus.CounterVec

	factory promauto.Factory
}

// NewMetrics registers the agent collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		factory: f,

		utterances: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Total number of completed user utterances",
		}),
		utterancesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_dropped_total",
			Help:      "Utterances discarded because a worker was already in flight",
		}),
		interrupts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Sustained user speech detected while the agent was speaking",
		}),
		backchannels: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backchannels_total",
			Help:      "Backchannel fillers emitted",
		}),
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Agent turns by outcome",
		}, []string{"outcome"}),
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions for speech recognized while the agent was speaking",
		}, []string{"decision"}),

		recognitionRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_requests_total",
			Help:      "Speech recognition requests by status",
		}, []string{"status"}),
		recognitionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recognition_latency_seconds",
			Help:      "Speech recognition latency in seconds",
			Buckets:   latencyBuckets,
		}),
		ttftLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_ttft_seconds",
			Help:      "Time from prompt submission to first generated token",
			Buckets:   latencyBuckets,
		}),
		synthesisLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_latency_seconds",
			Help:      "Duration of speech synthesis and playback per turn",
			Buckets:   latencyBuckets,
		}),
		e2eLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "e2e_latency_seconds",
			Help:      "Time from end of user speech to start of agent audio",
			Buckets:   latencyBuckets,
		}),
		tokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generated_tokens_total",
			Help:      "Tokens accepted from the generation backend",
		}),

		agentSpeaking: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_speaking",
			Help:      "1 while the agent owns the floor",
		}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors",
		}, []string{"type", "component"}),

		circuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"service"}),
		circuitBreakerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_failures_total",
			Help:      "Total circuit breaker failures",
		}, []string{"service"}),
	}
}

// RegisterQueueStats exports frame queue depth, capacity and overflow drops read at scrape time
func (m *Metrics) RegisterQueueStats(depth func() int, capacity int, dropped func() uint64) {
	if m == nil {
		return
	}
	m.RegisterGauge("frame_queue_depth", "Frames waiting for segmentation", func() float64 { return float64(depth()) })
	m.RegisterGauge("frame_queue_capacity", "Frames the queue holds before dropping the oldest", func() float64 { return float64(capacity) })
	m.RegisterCounter("frames_dropped_total", "Frames discarded because the queue was full", func() float64 { return float64(dropped()) })
}

// RegisterGauge exports a value read at scrape time
func (m *Metrics) RegisterGauge(name, help string, value func() float64) {
	if m == nil {
		return
	}
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, value)
}

// RegisterCounter exports a monotonic count read at scrape time
func (m *Metrics) RegisterCounter(name, help string, value func() float64) {
	if m == nil {
		return
	}
	m.factory.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, value)
}

// BoolGauge adapts a flag to a gauge value
func BoolGauge(flag func() bool) func() float64 {
	return func() float64 {
		if flag() {
			return 1
		}
		return 0
	}
}

// RecordUtterance counts a completed utterance
func (m *Metrics) RecordUtterance() {
	if m == nil {
		return
	}
	m.utterances.Inc()
}

// RecordUtteranceDropped counts an utterance discarded while a worker was busy
func (m *Metrics) RecordUtteranceDropped() {
	if m == nil {
		return
	}
	m.utterancesDropped.Inc()
}

// RecordInterrupt counts a barge-in
func (m *Metrics) RecordInterrupt() {
	if m == nil {
		return
	}
	m.interrupts.Inc()
}

// RecordBackchannel counts a filler
func (m *Metrics) RecordBackchannel() {
	if m == nil {
		return
	}
	m.backchannels.Inc()
}

// RecordAdmission counts an admission decision
func (m *Metrics) RecordAdmission(decision string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(decision).Inc()
}

// RecordRecognition records one recognition call
func (m *Metrics) RecordRecognition(latency time.Duration, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.recognitionRequests.WithLabelValues(status).Inc()
	if success {
		m.recognitionLatency.Observe(latency.Seconds())
	}
}

// TurnObservation carries the latencies measured during one agent turn.
// Zero durations are not observed.
type TurnObservation struct {
	Outcome   string
	TTFT      time.Duration
	Synthesis time.Duration
	E2E       time.Duration
	Tokens    int
}

// RecordTurn records the outcome and latencies of an agent turn
func (m *Metrics) RecordTurn(obs TurnObservation) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(obs.Outcome).Inc()
	m.tokens.Add(float64(obs.Tokens))
	if obs.TTFT > 0 {
		m.ttftLatency.Observe(obs.TTFT.Seconds())
	}
	if obs.Synthesis > 0 {
		m.synthesisLatency.Observe(obs.Synthesis.Seconds())
	}
	if obs.E2E > 0 {
		m.e2eLatency.Observe(obs.E2E.Seconds())
	}
}

// SetAgentSpeaking mirrors the floor flag
func (m *Metrics) SetAgentSpeaking(speaking bool) {
	if m == nil {
		return
	}
	if speaking {
		m.agentSpeaking.Set(1)
	} else {
		m.agentSpeaking.Set(0)
	}
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func (m *Metrics) UpdateCircuitBreakerState(service string, state int) {
	if m == nil {
		return
	}
	m.circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func (m *Metrics) IncrementCircuitBreakerFailures(service string) {
	if m == nil {
		return
	}
	m.circuitBreakerFailures.WithLabelValues(service).Inc()
}
