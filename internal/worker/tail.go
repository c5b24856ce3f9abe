package worker

import "sync"

// tailBuffer is a thread-safe ring buffer keeping the last size bytes written.
type tailBuffer struct {
	mu    sync.Mutex
	data  []byte
	size  int
	start int
	full  bool
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{data: make([]byte, 0, size), size: size}
}

// Write implements io.Writer; it never fails.
func (r *tailBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	if len(p) >= r.size {
		r.data = append(r.data[:0], p[len(p)-r.size:]...)
		r.start = 0
		r.full = true
		return n, nil
	}
	for _, b := range p {
		if !r.full {
			r.data = append(r.data, b)
			if len(r.data) == r.size {
				r.full = true
			}
			continue
		}
		r.data[r.start] = b
		r.start = (r.start + 1) % r.size
	}
	return n, nil
}

// String returns the buffered bytes in write order.
func (r *tailBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full || r.start == 0 {
		return string(r.data)
	}
	out := make([]byte, 0, r.size)
	out = append(out, r.data[r.start:]...)
	out = append(out, r.data[:r.start]...)
	return string(out)
}
