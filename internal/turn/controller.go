// Package turn owns the agent's side of the conversation: prompting, streaming
// generation, barge-in handling and per-turn metrics.
package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-agent/internal/generation"
	"github.com/lexiqai/duplex-agent/internal/observability"
	"github.com/lexiqai/duplex-agent/internal/perf"
	"github.com/lexiqai/duplex-agent/internal/synth"
)

// Outcomes that never reach the ledger
const (
	OutcomeEmpty   = "empty"   // nothing to answer
	OutcomeIgnored = "ignored" // speech over the agent that was not admitted
)

// Result describes how one call to Respond ended
type Result struct {
	TurnID  int
	Outcome string // observability.Outcome*, OutcomeEmpty or OutcomeIgnored
	Reply   string
	Tokens  int
	Err     error
}

// Option configures a Controller
type Option func(*Controller)

func WithPersona(p Persona) Option {
	return func(c *Controller) { c.persona = p }
}

func WithHistorySize(n int) Option {
	return func(c *Controller) { c.history = NewHistory(n) }
}

// WithAdmitter sets the policy for speech heard while the agent talks.
// Without one every such utterance is admitted.
func WithAdmitter(a Admitter) Option {
	return func(c *Controller) { c.admitter = a }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithCSVPath flushes the turn ledger to path after every turn
func WithCSVPath(path string) Option {
	return func(c *Controller) { c.csvPath = path }
}

// WithEndpointDelay records the fixed silence window that precedes every
// utterance boundary as the VAD latency of each turn
func WithEndpointDelay(d time.Duration) Option {
	return func(c *Controller) { c.endpointDelay = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.logger = logger.With().Str("component", "turn").Logger() }
}

// Controller serializes agent turns and negotiates interruptions.
//
// The speaking flag and the live handle are the only state touched from
// outside a turn; everything else belongs to the goroutine inside Respond.
type Controller struct {
	gen     generation.Generator
	speaker synth.Synthesizer
	monitor *perf.Monitor

	persona       Persona
	history       *History
	admitter      Admitter
	metrics       *observability.Metrics
	csvPath       string
	endpointDelay time.Duration
	logger        zerolog.Logger

	turnMu       sync.Mutex
	handleMu     sync.Mutex
	handle       *generation.Handle
	cancelSpeech context.CancelFunc // set while a reply is playing
	speaking     atomic.Bool
	agentTurn    atomic.Uint64
}

// NewController wires a controller to its generator, synthesizer and ledger
func NewController(gen generation.Generator, speaker synth.Synthesizer, monitor *perf.Monitor, opts ...Option) *Controller {
	c := &Controller{
		gen:     gen,
		speaker: speaker,
		monitor: monitor,
		persona: DefaultPersona(),
		history: NewHistory(DefaultHistorySize),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AgentSpeaking reports whether the agent holds the floor
func (c *Controller) AgentSpeaking() bool {
	return c.speaking.Load()
}

// AgentTurn counts the times the agent has taken the floor
func (c *Controller) AgentTurn() uint64 {
	return c.agentTurn.Load()
}

// History returns the exchanges that will prefix the next prompt
func (c *Controller) History() []Exchange {
	return c.history.Snapshot()
}

// OnUtteranceRecognized routes recognized user text. Text heard while the agent
// was talking must pass the admission policy before it interrupts.
func (c *Controller) OnUtteranceRecognized(ctx context.Context, text string, whileAgentSpeaking bool, asrLatency time.Duration) Result {
	if !whileAgentSpeaking {
		return c.Respond(ctx, text, asrLatency)
	}

	admit := true
	if c.admitter != nil {
		ok, err := c.admitter.Admit(ctx, text)
		if err != nil {
			c.logger.Warn().Err(err).Str("text", text).Msg("Admission check failed, treating as interruption")
			c.metrics.RecordError("classifier_failed", "turn")
		} else {
			admit = ok
		}
	}

	if !admit {
		c.logger.Info().Str("text", text).Msg("Ignoring speech over agent (backchannel or noise)")
		c.metrics.RecordAdmission(observability.AdmissionIgnore)
		return Result{Outcome: OutcomeIgnored}
	}

	c.metrics.RecordAdmission(observability.AdmissionInterrupt)
	c.HandleInterrupt()
	return c.Respond(ctx, text, asrLatency)
}

// HandleInterrupt yields the floor: aborts generation, cuts playback and clears
// the speaking flag. It never waits for the generator.
func (c *Controller) HandleInterrupt() {
	c.handleMu.Lock()
	h := c.handle
	c.handle = nil
	if h != nil {
		h.Abort()
	}
	if c.cancelSpeech != nil {
		c.cancelSpeech()
		c.cancelSpeech = nil
	}
	c.setSpeaking(false)
	c.handleMu.Unlock()

	c.speaker.Stop()
	c.metrics.RecordInterrupt()
	c.logger.Info().Bool("had_turn", h != nil).Msg("Interrupt triggered")
}

// Respond generates and speaks a reply to userText.
// Calls are serialized; History has a single writer.
func (c *Controller) Respond(ctx context.Context, userText string, asrLatency time.Duration) Result {
	text := strings.TrimSpace(userText)
	if text == "" {
		return Result{Outcome: OutcomeEmpty}
	}

	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	handle := c.begin()
	defer c.end(handle)

	prompt := BuildPrompt(c.persona, c.history.Snapshot(), text)
	logger := c.logger.With().Str("user_text", text).Logger()
	logger.Info().Int("history", c.history.Len()).Msg("Generating reply")

	c.monitor.StartTimer(perf.TimerLLM)
	var ttft time.Duration
	first := true
	genErr := c.gen.Generate(ctx, prompt, handle, func(string) {
		if first {
			ttft = c.monitor.StopTimer(perf.TimerLLM)
			first = false
		}
	})

	reply := handle.Text()
	c.history.Append(Exchange{User: text, Assistant: reply})

	res := Result{
		Outcome: observability.OutcomeCompleted,
		Reply:   reply,
		Tokens:  handle.Tokens(),
	}
	row := perf.InteractionMetrics{
		VADLatencyMs: perf.Milliseconds(c.endpointDelay),
		ASRLatencyMs: perf.Milliseconds(asrLatency),
		LLMTTFTMs:    perf.Milliseconds(ttft),
		Tokens:       res.Tokens,
		UserText:     text,
	}

	if handle.Aborted() || errors.Is(genErr, context.Canceled) {
		logger.Info().Int("tokens", res.Tokens).Msg("Aborted before synthesis")
		res.Outcome = observability.OutcomeAborted
		return c.finish(res, row, ttft, 0, 0)
	}
	if genErr != nil {
		logger.Error().Err(genErr).Int("tokens", res.Tokens).Msg("Generation failed mid-stream")
		c.metrics.RecordError("generation_failed", "turn")
		res.Outcome = observability.OutcomeFailed
		res.Err = genErr
	}

	// Boundary to first agent audio
	e2e := c.monitor.StopTimer(perf.TimerE2E)

	var tts time.Duration
	if strings.TrimSpace(reply) != "" {
		if speakCtx, ok := c.beginSpeech(ctx, handle); ok {
			c.monitor.StartTimer(perf.TimerTTS)
			err := c.speaker.Speak(speakCtx, reply)
			tts = c.monitor.StopTimer(perf.TimerTTS)
			c.endSpeech()
			if err != nil && !handle.Aborted() {
				logger.Error().Err(err).Msg("Synthesis failed")
				c.metrics.RecordError("synthesis_failed", "turn")
				if res.Err == nil {
					res.Err = errors.Join(ErrSynthesis, err)
				}
			}
		}
		if handle.Aborted() && res.Outcome == observability.OutcomeCompleted {
			res.Outcome = observability.OutcomeAborted
		}
	}

	return c.finish(res, row, ttft, tts, e2e)
}

// finish logs the turn to the ledger, flushes the CSV and records metrics
func (c *Controller) finish(res Result, row perf.InteractionMetrics, ttft, tts, e2e time.Duration) Result {
	row.TurnID = c.monitor.NextTurnID()
	row.TTSLatencyMs = perf.Milliseconds(tts)
	row.TotalE2EMs = perf.Milliseconds(e2e)
	c.monitor.LogTurn(row)
	res.TurnID = row.TurnID

	if c.csvPath != "" {
		if err := c.monitor.SaveCSV(c.csvPath); err != nil {
			c.logger.Error().Err(err).Str("path", c.csvPath).Msg("Failed to flush metrics CSV")
			c.metrics.RecordError("csv_flush_failed", "perf")
		}
	}

	c.metrics.RecordTurn(observability.TurnObservation{
		Outcome:   res.Outcome,
		TTFT:      ttft,
		Synthesis: tts,
		E2E:       e2e,
		Tokens:    res.Tokens,
	})
	return res
}

// begin installs a fresh handle, superseding any previous one, and takes the floor
func (c *Controller) begin() *generation.Handle {
	h := generation.NewHandle()

	c.handleMu.Lock()
	if c.handle != nil {
		c.handle.Abort()
	}
	c.handle = h
	c.agentTurn.Add(1)
	c.setSpeaking(true)
	c.handleMu.Unlock()
	return h
}

// beginSpeech returns a context that HandleInterrupt cancels. ok is false when
// the turn was interrupted before playback started.
func (c *Controller) beginSpeech(ctx context.Context, h *generation.Handle) (context.Context, bool) {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	if h.Aborted() {
		return nil, false
	}
	speakCtx, cancel := context.WithCancel(ctx)
	c.cancelSpeech = cancel
	return speakCtx, true
}

func (c *Controller) endSpeech() {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	if c.cancelSpeech != nil {
		c.cancelSpeech()
		c.cancelSpeech = nil
	}
}

// end releases the floor unless an interrupt already did
func (c *Controller) end(h *generation.Handle) {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	if c.handle == h {
		c.handle = nil
		c.setSpeaking(false)
	}
}

func (c *Controller) setSpeaking(v bool) {
	c.speaking.Store(v)
	c.metrics.SetAgentSpeaking(v)
}
