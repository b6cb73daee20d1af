package rtc

import (
	"encoding/binary"
	"fmt"
	"time"
)

// AudioFrame represents a chunk of PCM audio captured from or destined for a device.
// Len(Data) == SamplesPerChannel * NumChannels * 2.
//
// A zero Timestamp means "live"; otherwise it is the offset from the start of the capture.
type AudioFrame struct {
	Data              []byte        // 16-bit PCM, little-endian
	SampleRate        int           // 16 000, 24 000 or 48 000
	SamplesPerChannel int           // samples per channel in Data
	NumChannels       int           // 1 or 2
	Timestamp         time.Duration // optional
}

// NewAudioFrame creates a new AudioFrame from interleaved 16-bit PCM bytes.
// Returns an error if the data length is not a whole number of samples for the
// requested channel count.
func NewAudioFrame(data []byte, sampleRate, numChannels int, timestamp time.Duration) (*AudioFrame, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("AudioFrame sample rate must be positive, got %d", sampleRate)
	}
	if numChannels != 1 && numChannels != 2 {
		return nil, fmt.Errorf("AudioFrame supports mono or stereo, got %d channels", numChannels)
	}
	stride := numChannels * 2
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("AudioFrame data length mismatch: %d bytes is not a multiple of %d",
			len(data), stride)
	}

	return &AudioFrame{
		Data:              data,
		SampleRate:        sampleRate,
		SamplesPerChannel: len(data) / stride,
		NumChannels:       numChannels,
		Timestamp:         timestamp,
	}, nil
}

// FrameFromSamples packs int16 samples into a new AudioFrame.
func FrameFromSamples(samples []int16, sampleRate, numChannels int, timestamp time.Duration) *AudioFrame {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	if numChannels <= 0 {
		numChannels = 1
	}
	return &AudioFrame{
		Data:              data,
		SampleRate:        sampleRate,
		SamplesPerChannel: len(samples) / numChannels,
		NumChannels:       numChannels,
		Timestamp:         timestamp,
	}
}

// Clone creates a deep copy of the AudioFrame.
func (f *AudioFrame) Clone() *AudioFrame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)

	return &AudioFrame{
		Data:              data,
		SampleRate:        f.SampleRate,
		SamplesPerChannel: f.SamplesPerChannel,
		NumChannels:       f.NumChannels,
		Timestamp:         f.Timestamp,
	}
}

// Duration returns the playback duration represented by this frame.
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel) * time.Second / time.Duration(f.SampleRate)
}

// Samples decodes the frame into interleaved int16 samples.
func (f *AudioFrame) Samples() []int16 {
	n := len(f.Data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(f.Data[i*2:]))
	}
	return out
}

// Float32 writes the first channel of the frame into dst, normalised to [-1, 1],
// and returns the number of values written.
func (f *AudioFrame) Float32(dst []float32) int {
	ch := f.NumChannels
	if ch <= 0 {
		ch = 1
	}
	n := 0
	for i := 0; i+1 < len(f.Data) && n < len(dst); i += ch * 2 {
		s := int16(binary.LittleEndian.Uint16(f.Data[i:]))
		dst[n] = float32(s) / 32768.0
		n++
	}
	return n
}
