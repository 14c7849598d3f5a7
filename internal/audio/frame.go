package audio

const (
	DefaultSampleRate   = 16000 // Hz, mono
	DefaultFrameSamples = 512   // 32ms at 16kHz
)

// Frame is a fixed-length block of 16-bit mono PCM samples.
// A frame must not be modified after it has been pushed to a FrameQueue.
type Frame []int16

// Duration returns the playback length of the frame in milliseconds at the given rate
func (f Frame) Duration(sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(len(f)) * 1000.0 / float64(sampleRate)
}

// Framer cuts a continuous sample stream into fixed-size frames.
// Leftover samples are carried over to the next Write call.
type Framer struct {
	size    int
	pending []int16
}

// NewFramer creates a framer producing frames of size samples
func NewFramer(size int) *Framer {
	if size <= 0 {
		size = DefaultFrameSamples
	}
	return &Framer{
		size:    size,
		pending: make([]int16, 0, size),
	}
}

// Write appends samples and returns every complete frame now available
func (f *Framer) Write(samples []int16) []Frame {
	var frames []Frame
	for len(samples) > 0 {
		n := f.size - len(f.pending)
		if n > len(samples) {
			n = len(samples)
		}
		f.pending = append(f.pending, samples[:n]...)
		samples = samples[n:]

		if len(f.pending) == f.size {
			frame := make(Frame, f.size)
			copy(frame, f.pending)
			frames = append(frames, frame)
			f.pending = f.pending[:0]
		}
	}
	return frames
}

// Pending returns the number of buffered samples not yet emitted
func (f *Framer) Pending() int {
	return len(f.pending)
}

// Flatten concatenates frames into a single sample slice
func Flatten(frames []Frame) []int16 {
	total := 0
	for _, fr := range frames {
		total += len(fr)
	}
	out := make([]int16, 0, total)
	for _, fr := range frames {
		out = append(out, fr...)
	}
	return out
}
