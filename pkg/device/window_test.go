package device

import (
	"testing"

	"github.com/matryer/is"
)

func TestWindow_Snapshot(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		writes []int16
		dstLen int
		want   []float32
	}{
		{"empty", 4, nil, 4, []float32{}},
		{"partial", 4, []int16{16384, -16384}, 4, []float32{0.5, -0.5}},
		{"wrapped keeps newest", 3, []int16{0, 8192, 16384, -8192}, 3, []float32{0.25, 0.5, -0.25}},
		{"short destination", 4, []int16{0, 8192, 16384}, 2, []float32{0.25, 0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			w := NewWindow(tt.size)
			w.Write(tt.writes)
			dst := make([]float32, tt.dstLen)
			n := w.Snapshot(dst)
			is.Equal(dst[:n], tt.want)
		})
	}
}

func TestWindow_Reset(t *testing.T) {
	is := is.New(t)
	w := NewWindow(4)
	w.Write([]int16{100, 200, 300, 400, 500})
	w.Reset()
	is.Equal(w.Snapshot(make([]float32, 4)), 0)
}
