// Package stt transcribes completed utterances.
package stt

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrUnavailable = errors.New("stt: recognizer unavailable")
	ErrNoSpeech    = errors.New("stt: no transcript in response")
)

// Transcriber recognizes one utterance. onSegment is called once per
// recognized segment, in order, before Transcribe returns.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []int16, onSegment func(string)) error
}

// Whole-segment markers recognizers emit for non-speech
var blankMarkers = []string{"[BLANK_AUDIO]", "[Silence]"}

// IsDegenerate reports whether a segment carries no user speech
func IsDegenerate(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	for _, m := range blankMarkers {
		if t == m {
			return true
		}
	}
	return strings.Contains(t, "(Video Ad)")
}

// Filter wraps onSegment so degenerate segments are dropped and the rest trimmed
func Filter(onSegment func(string)) func(string) {
	return func(text string) {
		if IsDegenerate(text) {
			return
		}
		onSegment(strings.TrimSpace(text))
	}
}

// Nop recognizes nothing. It stands in when no recognizer is configured.
type Nop struct{}

func (Nop) Transcribe(ctx context.Context, samples []int16, onSegment func(string)) error {
	return nil
}
