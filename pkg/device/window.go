package device

import "sync"

// Window keeps the most recent samples of a live stream so Snapshot can be
// served from any goroutine. Safe for concurrent use.
type Window struct {
	mu     sync.Mutex
	buf    []float32
	pos    int
	filled bool
}

// NewWindow creates a window holding size samples.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = 2048
	}
	return &Window{buf: make([]float32, size)}
}

// Write appends mono int16 samples.
func (w *Window) Write(samples []int16) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range samples {
		w.buf[w.pos] = float32(s) / 32768.0
		w.pos++
		if w.pos == len(w.buf) {
			w.pos = 0
			w.filled = true
		}
	}
}

// Reset forgets every sample.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.buf)
	w.pos = 0
	w.filled = false
}

// Snapshot copies the most recent samples, oldest first, into dst and returns
// how many were written.
func (w *Window) Snapshot(dst []float32) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	avail := w.pos
	if w.filled {
		avail = len(w.buf)
	}
	n := min(len(dst), avail)
	start := w.pos - n
	if start < 0 {
		start += len(w.buf)
	}
	for i := 0; i < n; i++ {
		dst[i] = w.buf[(start+i)%len(w.buf)]
	}
	return n
}
