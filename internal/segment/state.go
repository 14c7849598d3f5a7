// Package segment turns a stream of classified audio frames into utterance,
// interrupt and backchannel events.
package segment

import (
	"time"

	"github.com/google/uuid"

	"github.com/lexiqai/duplex-agent/internal/audio"
)

// TurnState is the floor-holding state observed by the segmentation engine
type TurnState int

const (
	Idle TurnState = iota
	UserSpeaking
	TrailingSilence
	AgentSpeaking
	Interrupting
)

func (s TurnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case UserSpeaking:
		return "user_speaking"
	case TrailingSilence:
		return "trailing_silence"
	case AgentSpeaking:
		return "agent_speaking"
	case Interrupting:
		return "interrupting"
	}
	return "unknown"
}

// VoiceActivity classifies a single frame as speech or silence
type VoiceActivity interface {
	IsSpeech(frame audio.Frame) bool
}

// SpeakingState exposes whether the agent currently owns the floor.
// AgentTurn changes every time the agent takes the floor.
type SpeakingState interface {
	AgentSpeaking() bool
	AgentTurn() uint64
}

// Utterance is a completed user segment handed to recognition.
// Frames are a copy; the engine never touches them again.
type Utterance struct {
	ID     string
	Frames []audio.Frame
	End    time.Time
}

// Samples flattens the utterance into one contiguous buffer
func (u Utterance) Samples() []int16 {
	return audio.Flatten(u.Frames)
}

func newUtterance(frames []audio.Frame, end time.Time) Utterance {
	out := make([]audio.Frame, len(frames))
	copy(out, frames)
	return Utterance{
		ID:     uuid.NewString(),
		Frames: out,
		End:    end,
	}
}

// Events receives engine output. Callbacks run on the segmentation goroutine and must not block.
type Events struct {
	OnUtterance   func(Utterance)
	OnInterrupt   func()
	OnBackchannel func()
	OnStateChange func(from, to TurnState)
}

// Config holds segmentation thresholds. Counts are exceeded, not reached:
// SilenceFrames=17 completes an utterance on the 18th consecutive silence frame.
type Config struct {
	SilenceFrames       int
	InterruptFrames     int
	BackchannelChunks   int
	BackchannelCooldown time.Duration
}

// DefaultConfig returns thresholds tuned for 32ms frames
func DefaultConfig() Config {
	return Config{
		SilenceFrames:       17,  // ~550ms
		InterruptFrames:     8,   // ~290ms, rejects echo of the agent's own voice
		BackchannelChunks:   120, // ~3.8s of speech
		BackchannelCooldown: 4 * time.Second,
	}
}
