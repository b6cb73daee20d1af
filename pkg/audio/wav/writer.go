package wav

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Writer writes 16-bit PCM WAV data to a seekable destination.
type Writer struct {
	dst            io.WriteSeeker
	closer         io.Closer
	sampleRate     uint32
	numChannels    uint16
	bitsPerSample  uint16
	samplesWritten uint32
}

// Create creates a WAV file on disk.
func Create(filename string, sampleRate uint32, numChannels uint16) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}

	w, err := NewWriter(file, sampleRate, numChannels)
	if err != nil {
		file.Close()
		return nil, err
	}
	w.closer = file
	return w, nil
}

// NewWriter starts a WAV stream on dst. The header sizes are patched on Close.
func NewWriter(dst io.WriteSeeker, sampleRate uint32, numChannels uint16) (*Writer, error) {
	w := &Writer{
		dst:           dst,
		sampleRate:    sampleRate,
		numChannels:   numChannels,
		bitsPerSample: 16,
	}

	if err := writeHeader(w.dst, sampleRate, numChannels, 0); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return w, nil
}

// Encode returns a complete in-memory WAV buffer for interleaved samples.
func Encode(samples []int16, sampleRate uint32, numChannels uint16) []byte {
	var buf bytes.Buffer
	dataSize := uint32(len(samples) * 2)
	buf.Grow(44 + int(dataSize))
	// bytes.Buffer writes cannot fail.
	_ = writeHeader(&buf, sampleRate, numChannels, dataSize)
	_ = binary.Write(&buf, binary.LittleEndian, samples)
	return buf.Bytes()
}

// WriteSamples appends interleaved samples.
func (w *Writer) WriteSamples(samples []int16) error {
	if err := binary.Write(w.dst, binary.LittleEndian, samples); err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}
	w.samplesWritten += uint32(len(samples)) / uint32(w.numChannels)
	return nil
}

// WriteSineWave writes a sine wave of the specified frequency, duration and amplitude (0-1).
func (w *Writer) WriteSineWave(frequency float64, durationMs int, amplitude float64) error {
	samplesPerChannel := int(w.sampleRate) * durationMs / 1000
	frame := make([]int16, w.numChannels)

	for i := 0; i < samplesPerChannel; i++ {
		t := float64(i) / float64(w.sampleRate)
		sample := int16(math.Sin(2*math.Pi*frequency*t) * 32767 * amplitude)
		for ch := range frame {
			frame[ch] = sample
		}
		if err := w.WriteSamples(frame); err != nil {
			return err
		}
	}

	return nil
}

// WriteSilence writes durationMs of zero samples.
func (w *Writer) WriteSilence(durationMs int) error {
	n := int(w.sampleRate) * durationMs / 1000 * int(w.numChannels)
	return w.WriteSamples(make([]int16, n))
}

// Close finalizes the WAV stream by updating the header with correct sizes
func (w *Writer) Close() error {
	if w.dst == nil {
		return nil
	}

	dataSize := w.samplesWritten * uint32(w.numChannels) * uint32(w.bitsPerSample) / 8
	chunkSize := dataSize + 36

	if _, err := w.dst.Seek(4, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to chunk size: %w", err)
	}
	if err := binary.Write(w.dst, binary.LittleEndian, chunkSize); err != nil {
		return fmt.Errorf("failed to write chunk size: %w", err)
	}

	if _, err := w.dst.Seek(40, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to data size: %w", err)
	}
	if err := binary.Write(w.dst, binary.LittleEndian, dataSize); err != nil {
		return fmt.Errorf("failed to write data size: %w", err)
	}

	w.dst = nil
	if w.closer != nil {
		err := w.closer.Close()
		w.closer = nil
		return err
	}
	return nil
}

// writeHeader writes the 44-byte canonical PCM header.
func writeHeader(dst io.Writer, sampleRate uint32, numChannels uint16, dataSize uint32) error {
	const bitsPerSample = 16
	byteRate := sampleRate * uint32(numChannels) * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	fields := []any{
		[]byte("RIFF"),
		dataSize + 36,
		[]byte("WAVE"),
		[]byte("fmt "),
		uint32(16), // fmt chunk size
		uint16(1),  // PCM
		numChannels,
		sampleRate,
		byteRate,
		blockAlign,
		uint16(bitsPerSample),
		[]byte("data"),
		dataSize,
	}
	for _, f := range fields {
		if err := binary.Write(dst, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}
