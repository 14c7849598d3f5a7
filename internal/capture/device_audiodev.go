//go:build audiodev

package capture

import (
	"context"
	"fmt"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-agent/internal/audio"
	"github.com/lexiqai/duplex-agent/internal/observability"
)

// Device captures mono PCM from the default input device
type Device struct {
	sink         Sink
	sampleRate   int
	frameSamples int
	logger       zerolog.Logger
}

// NewDevice creates a microphone source pushing frames into sink
func NewDevice(sink Sink, sampleRate, frameSamples int) (*Device, error) {
	return &Device{
		sink:         sink,
		sampleRate:   sampleRate,
		frameSamples: frameSamples,
		logger:       observability.ForComponent("capture").With().Str("source", "device").Logger(),
	}, nil
}

// Run implements Source
func (d *Device) Run(ctx context.Context) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	buf := make([]int16, d.frameSamples)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(d.sampleRate), len(buf), buf)
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start input stream: %w", err)
	}
	defer stream.Stop()

	d.logger.Info().Int("sample_rate", d.sampleRate).Int("frame_samples", d.frameSamples).Msg("Microphone capture started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Microphone capture stopped")
			return nil
		default:
		}

		if err := stream.Read(); err != nil {
			if err == portaudio.InputOverflowed {
				d.logger.Debug().Msg("Input overflowed")
				continue
			}
			return fmt.Errorf("read input stream: %w", err)
		}

		frame := make(audio.Frame, len(buf))
		copy(frame, buf)
		d.sink.Push(frame)
	}
}
