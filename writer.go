package stdiorpc

import (
	"io"
	"sync"
)

// writer serializes frames onto the child's stdin. A frame is written in
// full before the lock is released, so concurrent senders never interleave.
type writer struct {
	mu sync.Mutex
	w  io.Writer
}

func newWriter(w io.Writer) *writer {
	return &writer{w: w}
}

func (w *writer) send(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(frame) > 0 {
		n, err := w.w.Write(frame)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		frame = frame[n:]
	}
	return nil
}
