package segment

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-agent/internal/audio"
)

// FrameSource is the consuming side of a frame queue
type FrameSource interface {
	WaitAndPop() (audio.Frame, bool)
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces the wall clock used for the backchannel cooldown
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the engine logger
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.With().Str("component", "segment").Logger()
	}
}

// Engine is the per-frame segmentation state machine.
// All state is owned by the goroutine calling Process; only the agent
// speaking flag is read from outside.
type Engine struct {
	cfg      Config
	vad      VoiceActivity
	speaking SpeakingState
	events   Events
	now      func() time.Time
	logger   zerolog.Logger

	state           TurnState
	published       atomic.Int32 // state, readable from other goroutines
	buffer          []audio.Frame
	silenceRun      int
	interruptRun    int
	speechChunks    int
	lastBackchannel time.Time

	// Set when an interrupt has fired for the current agent turn. Normal
	// segmentation resumes for the seeded segment until the agent yields.
	interrupted bool
	agentTurn   uint64
}

// NewEngine creates an engine. speaking may be nil for a half-duplex setup.
func NewEngine(cfg Config, vad VoiceActivity, speaking SpeakingState, events Events, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		vad:      vad,
		speaking: speaking,
		events:   events,
		now:      time.Now,
		logger:   zerolog.Nop(),
		state:    Idle,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.lastBackchannel = e.now()
	return e
}

// State returns the current turn state. Safe to call from any goroutine.
func (e *Engine) State() TurnState {
	return TurnState(e.published.Load())
}

// Buffered returns the number of frames in the open segment.
// Only the processing goroutine may call it.
func (e *Engine) Buffered() int {
	return len(e.buffer)
}

// Run consumes frames until the source reports shutdown or ctx is done
func (e *Engine) Run(ctx context.Context, src FrameSource) error {
	e.logger.Info().Msg("Segmentation started")
	defer e.logger.Info().Msg("Segmentation stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, ok := src.WaitAndPop()
		if !ok {
			return nil
		}
		e.Process(frame)
	}
}

// Process advances the state machine by one frame
func (e *Engine) Process(frame audio.Frame) {
	speech := e.vad.IsSpeech(frame)
	agentSpeaking := e.speaking != nil && e.speaking.AgentSpeaking()

	if !agentSpeaking {
		e.interruptRun = 0
		e.interrupted = false
		if e.state == AgentSpeaking || e.state == Interrupting {
			e.setState(Idle)
		}
	} else {
		if turn := e.speaking.AgentTurn(); turn != e.agentTurn {
			e.agentTurn = turn
			e.interruptRun = 0
			e.interrupted = false
		}
		if !e.interrupted {
			e.processWhileAgentSpeaking(frame, speech)
			return
		}
	}

	if speech {
		e.onSpeech(frame)
	} else {
		e.onSilence(frame)
	}
}

// processWhileAgentSpeaking runs interrupt detection. User segmentation is
// suspended and any partial segment is abandoned.
func (e *Engine) processWhileAgentSpeaking(frame audio.Frame, speech bool) {
	if speech {
		e.interruptRun++
	} else {
		e.interruptRun = 0
	}

	if e.interruptRun > e.cfg.InterruptFrames {
		e.logger.Info().Int("frames", e.interruptRun).Msg("User barge-in detected")
		e.interruptRun = 0
		e.interrupted = true
		if e.events.OnInterrupt != nil {
			e.events.OnInterrupt()
		}
		e.startSegment(frame)
		return
	}

	e.buffer = nil
	e.silenceRun = 0
	if e.interruptRun > 0 {
		e.setState(Interrupting)
	} else {
		e.setState(AgentSpeaking)
	}
}

func (e *Engine) onSpeech(frame audio.Frame) {
	if e.state != UserSpeaking && e.state != TrailingSilence {
		e.startSegment(frame)
		return
	}

	e.buffer = append(e.buffer, frame)
	e.silenceRun = 0
	e.speechChunks++
	e.setState(UserSpeaking)
	e.maybeBackchannel()
}

func (e *Engine) onSilence(frame audio.Frame) {
	if e.state != UserSpeaking && e.state != TrailingSilence {
		return
	}

	e.silenceRun++
	if e.silenceRun > e.cfg.SilenceFrames {
		utt := newUtterance(e.buffer, e.now())
		e.buffer = nil
		e.silenceRun = 0
		e.setState(Idle)

		e.logger.Debug().
			Str("utterance_id", utt.ID).
			Int("frames", len(utt.Frames)).
			Msg("Utterance complete")
		if e.events.OnUtterance != nil {
			e.events.OnUtterance(utt)
		}
		return
	}

	e.buffer = append(e.buffer, frame)
	e.setState(TrailingSilence)
}

// startSegment opens a new user segment with frame as its first frame
func (e *Engine) startSegment(frame audio.Frame) {
	e.buffer = append(make([]audio.Frame, 0, 64), frame)
	e.silenceRun = 0
	e.speechChunks = 1
	e.lastBackchannel = e.now()
	e.setState(UserSpeaking)
}

func (e *Engine) maybeBackchannel() {
	if e.speechChunks <= e.cfg.BackchannelChunks {
		return
	}
	now := e.now()
	if now.Sub(e.lastBackchannel) <= e.cfg.BackchannelCooldown {
		return
	}

	e.lastBackchannel = now
	e.logger.Debug().Int("speech_chunks", e.speechChunks).Msg("Backchannel due")
	if e.events.OnBackchannel != nil {
		e.events.OnBackchannel()
	}
}

func (e *Engine) setState(to TurnState) {
	if e.state == to {
		return
	}
	from := e.state
	e.state = to
	e.published.Store(int32(to))
	if e.events.OnStateChange != nil {
		e.events.OnStateChange(from, to)
	}
}
