//go:build audiodev

package synth

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
)

// DevicePlayer plays PCM on the default sound card
type DevicePlayer struct {
	mu   sync.Mutex
	rate beep.SampleRate
}

// NewDevicePlayer returns a player bound to the default output device
func NewDevicePlayer() (*DevicePlayer, error) {
	return &DevicePlayer{}, nil
}

// Play implements Player
func (d *DevicePlayer) Play(ctx context.Context, pcm io.Reader, sampleRate int) error {
	if err := d.init(beep.SampleRate(sampleRate)); err != nil {
		return err
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(pcmStreamer(pcm), beep.Callback(func() {
		close(done)
	})))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}

func (d *DevicePlayer) init(rate beep.SampleRate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rate == rate {
		return nil
	}
	if err := speaker.Init(rate, rate.N(time.Second/10)); err != nil {
		return err
	}
	d.rate = rate
	return nil
}

// pcmStreamer decodes s16le mono into beep's stereo float frames
func pcmStreamer(r io.Reader) beep.Streamer {
	br := bufio.NewReader(r)
	var buf [2]byte
	return beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for i := range samples {
			if _, err := io.ReadFull(br, buf[:]); err != nil {
				return i, i > 0
			}
			v := float64(int16(binary.LittleEndian.Uint16(buf[:]))) / 32768.0
			samples[i][0] = v
			samples[i][1] = v
		}
		return len(samples), true
	})
}
