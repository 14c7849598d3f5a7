package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrNotWAV         = errors.New("audio: not a RIFF/WAVE stream")
	ErrUnsupportedWAV = errors.New("audio: unsupported WAV encoding")
)

// WAVInfo describes the decoded fmt chunk of a WAV stream
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// ReadWAVFile reads a 16-bit PCM WAV file into mono samples
func ReadWAVFile(path string) ([]int16, WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, WAVInfo{}, fmt.Errorf("failed to open wav file: %w", err)
	}
	defer f.Close()

	return ReadWAV(f)
}

const (
	canonicalHeaderSize = 44
	maxFmtChunkSize     = 1 << 10
	maxWAVBytes         = 64 << 20
)

// ReadWAV walks the RIFF chunk list and decodes the data chunk.
// Multi-channel audio is down-mixed to mono by averaging. A RIFF stream whose
// chunk list cannot be walked is read as mono 16 kHz PCM after a fixed
// 44-byte header.
func ReadWAV(r io.Reader) ([]int16, WAVInfo, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxWAVBytes+1))
	if err != nil {
		return nil, WAVInfo{}, fmt.Errorf("failed to read wav: %w", err)
	}
	if len(raw) > maxWAVBytes {
		return nil, WAVInfo{}, fmt.Errorf("%w: larger than %d bytes", ErrUnsupportedWAV, maxWAVBytes)
	}

	samples, info, err := walkChunks(bytes.NewReader(raw))
	if errors.Is(err, ErrNotWAV) && len(raw) >= canonicalHeaderSize && string(raw[0:4]) == "RIFF" {
		info = WAVInfo{SampleRate: DefaultSampleRate, Channels: 1, BitsPerSample: 16}
		return BytesToSamples(raw[canonicalHeaderSize:]), info, nil
	}
	return samples, info, err
}

func walkChunks(r io.Reader) ([]int16, WAVInfo, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, WAVInfo{}, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, WAVInfo{}, ErrNotWAV
	}

	info := WAVInfo{SampleRate: DefaultSampleRate, Channels: 1, BitsPerSample: 16}
	haveFmt := false

	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return nil, info, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			if size > maxFmtChunkSize {
				return nil, info, fmt.Errorf("%w: fmt chunk of %d bytes", ErrNotWAV, size)
			}
			body, err := io.ReadAll(io.LimitReader(r, size))
			if err != nil || int64(len(body)) != size || len(body) < 16 {
				return nil, info, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			info.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			if format != 1 || info.BitsPerSample != 16 || info.Channels < 1 {
				return nil, info, ErrUnsupportedWAV
			}
			haveFmt = true

		case "data":
			// Streamed WAVs may declare a bogus size, so read what is actually there
			data, err := io.ReadAll(io.LimitReader(r, size))
			if err != nil {
				return nil, info, fmt.Errorf("failed to read wav data: %w", err)
			}
			samples := BytesToSamples(data)
			if haveFmt && info.Channels > 1 {
				samples = downmix(samples, info.Channels)
			}
			return samples, info, nil

		default:
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return nil, info, fmt.Errorf("%w: truncated %q chunk", ErrNotWAV, id)
			}
			continue
		}

		// Chunks are word aligned
		if size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return nil, info, fmt.Errorf("%w: truncated chunk padding", ErrNotWAV)
			}
		}
	}
}

// WriteWAV encodes mono 16-bit PCM samples as a canonical 44-byte header WAV
func WriteWAV(w io.Writer, samples []int16, sampleRate int) error {
	dataSize := uint32(len(samples) * 2)

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 36+dataSize)
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], 1) // mono
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(header[32:34], 2)
	binary.LittleEndian.PutUint16(header[34:36], 16)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], dataSize)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write wav header: %w", err)
	}
	if _, err := w.Write(SamplesToBytes(samples)); err != nil {
		return fmt.Errorf("failed to write wav data: %w", err)
	}
	return nil
}

func downmix(samples []int16, channels int) []int16 {
	out := make([]int16, len(samples)/channels)
	for i := range out {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}
