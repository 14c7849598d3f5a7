// Package synth speaks agent replies and backchannel fillers.
package synth

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

var (
	ErrUnavailable = errors.New("synth: synthesizer unavailable")
	ErrNoDevice    = errors.New("synth: audio device support not compiled in")
)

// Synthesizer turns text into audible speech
type Synthesizer interface {
	// Speak blocks until the text has been played or Stop is called.
	// A stopped playback is not an error.
	Speak(ctx context.Context, text string) error

	// PlayBackchannel plays a short filler in the background
	PlayBackchannel(tag string)

	// Stop cuts any playback in flight. Safe when idle.
	Stop()
}

// Backchannel tags
const (
	BackchannelGeneric   = "generic"
	BackchannelAgreement = "agreement"
	BackchannelThinking  = "thinking"
)

// BackchannelText maps a tag to the filler that is spoken for it.
// Unknown tags fall back to the generic filler.
func BackchannelText(tag string) string {
	switch tag {
	case BackchannelAgreement:
		return "yeah"
	case BackchannelThinking:
		return "hmm"
	default:
		return "uh-huh"
	}
}

// Nop discards everything. It stands in when no synthesizer is configured.
type Nop struct{}

func (Nop) Speak(ctx context.Context, text string) error { return nil }
func (Nop) PlayBackchannel(tag string)                   {}
func (Nop) Stop()                                        {}

var (
	stopMarkers = []string{"<|im_end|>", "<|im_end", "|im_end", "im_end"}
	roleWord    = regexp.MustCompile(`\b(assistant|system|user)\b`)
	bracketTag  = regexp.MustCompile(`\[[^\]]*\]?`)
	spaceRun    = regexp.MustCompile(`\s+`)
)

// Sanitize strips chat framing and markup a voice should never read out.
// Text is cut at the first stop marker, role word or '<'; bracketed tags,
// '#', '*' and non-ASCII runes are removed.
func Sanitize(text string) string {
	for _, marker := range stopMarkers {
		if i := strings.Index(text, marker); i >= 0 {
			text = text[:i]
		}
	}
	if loc := roleWord.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}
	if i := strings.IndexByte(text, '<'); i >= 0 {
		text = text[:i]
	}

	text = bracketTag.ReplaceAllString(text, "")
	text = strings.Map(func(r rune) rune {
		if r == '#' || r == '*' || r > 127 {
			return -1
		}
		return r
	}, text)

	return strings.TrimSpace(spaceRun.ReplaceAllString(text, " "))
}
