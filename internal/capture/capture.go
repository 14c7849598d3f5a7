// Package capture feeds microphone or network audio into the frame queue.
package capture

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/lexiqai/duplex-agent/internal/audio"
)

var ErrNoDevice = errors.New("capture: audio device support not compiled in")

// Sink accepts frames without blocking
type Sink interface {
	Push(frame audio.Frame) bool
}

// Source produces frames until ctx is done
type Source interface {
	Run(ctx context.Context) error
}

// Gate forwards frames to a sink unless muted
type Gate struct {
	sink    Sink
	muted   atomic.Bool
	dropped atomic.Uint64
}

// NewGate wraps sink
func NewGate(sink Sink) *Gate {
	return &Gate{sink: sink}
}

// Push implements Sink. Muted frames are counted and discarded.
func (g *Gate) Push(frame audio.Frame) bool {
	if g.muted.Load() {
		g.dropped.Add(1)
		return false
	}
	return g.sink.Push(frame)
}

func (g *Gate) Mute()       { g.muted.Store(true) }
func (g *Gate) Unmute()     { g.muted.Store(false) }
func (g *Gate) Muted() bool { return g.muted.Load() }

// Discarded returns the number of frames dropped while muted
func (g *Gate) Discarded() uint64 {
	return g.dropped.Load()
}
