package anomaly

import "github.com/WessleyAI/fleetops/engine/domain"

// window is a fixed-capacity FIFO ring; the oldest entry is evicted on overflow.
type window struct {
	buf   []domain.FeatureVector
	start int
	n     int
}

func newWindow(capacity int) *window {
	return &window{buf: make([]domain.FeatureVector, capacity)}
}

func (w *window) push(v domain.FeatureVector) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = v
		w.n++
		return
	}
	w.buf[w.start] = v
	w.start = (w.start + 1) % len(w.buf)
}

func (w *window) len() int { return w.n }

// items returns the contents oldest first.
func (w *window) items() []domain.FeatureVector {
	out := make([]domain.FeatureVector, w.n)
	for i := range out {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}
