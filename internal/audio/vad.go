package audio

import (
	"math"
)

// VADConfig holds configuration for the energy-based voice activity classifier
type VADConfig struct {
	EnergyThreshold float64 // RMS energy above which a frame counts as speech
	FrameSize       int     // Expected samples per frame (512 = 32ms at 16kHz)
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0, // Adjust based on microphone gain
		FrameSize:       DefaultFrameSamples,
	}
}

// EnergyClassifier labels a frame as speech when its RMS energy crosses a threshold.
// It is stateless; all run-length logic lives in the segmentation engine.
type EnergyClassifier struct {
	config *VADConfig
}

// NewEnergyClassifier creates a classifier; a nil config uses defaults
func NewEnergyClassifier(config *VADConfig) *EnergyClassifier {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &EnergyClassifier{config: config}
}

// IsSpeech reports whether the frame contains speech
func (c *EnergyClassifier) IsSpeech(frame Frame) bool {
	return CalculateRMS(frame) > c.config.EnergyThreshold
}

// Threshold returns the configured energy threshold
func (c *EnergyClassifier) Threshold() float64 {
	return c.config.EnergyThreshold
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// BytesToSamples decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, sample := range samples {
		data[i*2] = byte(sample)
		data[i*2+1] = byte(sample >> 8)
	}
	return data
}
