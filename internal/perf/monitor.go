package perf

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Timer keys shared by the pipeline and the turn controller
const (
	TimerE2E = "E2E"     // utterance boundary to first agent audio
	TimerASR = "ASR"     // recognition of one utterance
	TimerLLM = "LLM_PRE" // prompt submission to first token
	TimerTTS = "TTS"     // synthesis of one response
)

// TimestampLayout is the layout stamped on every logged turn
const TimestampLayout = "2006-01-02 15:04:05"

// InteractionMetrics is one row of the per-turn research ledger
type InteractionMetrics struct {
	TurnID       int     `json:"TurnID"`
	Timestamp    string  `json:"Timestamp"`
	VADLatencyMs float64 `json:"VAD_Latency"`
	ASRLatencyMs float64 `json:"ASR_Latency"`
	LLMTTFTMs    float64 `json:"LLM_TTFT"`
	TTSLatencyMs float64 `json:"TTS_Latency"`
	TotalE2EMs   float64 `json:"Total_E2E"`
	Tokens       int     `json:"Tokens"`
	UserText     string  `json:"UserText"`
}

// Monitor keeps named latency timers and the append-only turn ledger.
// It is safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	timers  map[string]time.Time
	records []InteractionMetrics
	turnSeq int

	logger zerolog.Logger
	now    func() time.Time
}

// NewMonitor creates an empty monitor
func NewMonitor(logger zerolog.Logger) *Monitor {
	return &Monitor{
		timers: make(map[string]time.Time),
		logger: logger.With().Str("component", "perf").Logger(),
		now:    time.Now,
	}
}

// StartTimer (re)starts the timer for key
func (m *Monitor) StartTimer(key string) {
	m.mu.Lock()
	m.timers[key] = m.now()
	m.mu.Unlock()
}

// StopTimer returns the time elapsed since StartTimer(key), or 0 if the key was never started.
// The timer keeps running, so repeated stops measure from the same start.
func (m *Monitor) StopTimer(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	start, ok := m.timers[key]
	if !ok {
		return 0
	}
	return m.now().Sub(start)
}

// NextTurnID returns a process-unique, increasing turn identifier
func (m *Monitor) NextTurnID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turnSeq++
	return m.turnSeq
}

// LogTurn stamps the record with the current local time and appends it to the ledger
func (m *Monitor) LogTurn(rec InteractionMetrics) InteractionMetrics {
	m.mu.Lock()
	rec.Timestamp = m.now().Format(TimestampLayout)
	m.records = append(m.records, rec)
	m.mu.Unlock()

	m.logger.Info().
		Int("turn_id", rec.TurnID).
		Float64("asr_ms", rec.ASRLatencyMs).
		Float64("llm_ttft_ms", rec.LLMTTFTMs).
		Float64("tts_ms", rec.TTSLatencyMs).
		Float64("e2e_ms", rec.TotalE2EMs).
		Int("tokens", rec.Tokens).
		Msg("Turn metrics")

	return rec
}

// Records returns a copy of the ledger
func (m *Monitor) Records() []InteractionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]InteractionMetrics, len(m.records))
	copy(out, m.records)
	return out
}

// Stats summarizes the ledger
func (m *Monitor) Stats() Stats {
	return Summarize(m.Records())
}

// Milliseconds converts a duration to fractional milliseconds
func Milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
