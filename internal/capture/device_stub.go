//go:build !audiodev

package capture

import "context"

// Device is unavailable without the audiodev build tag
type Device struct{}

// NewDevice always fails in this build
func NewDevice(sink Sink, sampleRate, frameSamples int) (*Device, error) {
	return nil, ErrNoDevice
}

// Run implements Source
func (*Device) Run(ctx context.Context) error {
	return ErrNoDevice
}
