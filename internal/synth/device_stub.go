//go:build !audiodev

package synth

import (
	"context"
	"io"
)

// DevicePlayer is unavailable without the audiodev build tag
type DevicePlayer struct{}

// NewDevicePlayer always fails in this build
func NewDevicePlayer() (*DevicePlayer, error) {
	return nil, ErrNoDevice
}

// Play implements Player
func (*DevicePlayer) Play(ctx context.Context, pcm io.Reader, sampleRate int) error {
	return ErrNoDevice
}
