package sandbox

import (
	"io"
	"sync"
)

// ResultWriter is the worker's end of a single-use result channel. The
// first Post wins; every later Post fails with ErrAlreadyPosted.
type ResultWriter struct {
	mu     sync.Mutex
	w      io.Writer
	posted bool
}

func NewResultWriter(w io.Writer) *ResultWriter {
	return &ResultWriter{w: w}
}

// Post sends the outcome. A failed write still consumes the channel.
func (rw *ResultWriter) Post(o Outcome) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.posted {
		return ErrAlreadyPosted
	}
	rw.posted = true

	if err := encMode.NewEncoder(rw.w).Encode(o); err != nil {
		return err
	}
	if c, ok := rw.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Posted reports whether Post has been called.
func (rw *ResultWriter) Posted() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.posted
}

// ResultReader is the supervisor's end of a result channel.
type ResultReader struct {
	mu       sync.Mutex
	r        io.Reader
	received bool
}

func NewResultReader(r io.Reader) *ResultReader {
	return &ResultReader{r: r}
}

// Receive returns the posted outcome. It reports false when the writer
// went away without posting, when the frame is unreadable, and on every
// call after the first. Receive blocks until a frame arrives or the
// writing side is closed.
func (rr *ResultReader) Receive() (Outcome, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if rr.received {
		return Outcome{}, false
	}
	rr.received = true

	var o Outcome
	err := decMode.NewDecoder(io.LimitReader(rr.r, maxFrameBytes)).Decode(&o)
	// Drain so a misbehaving writer never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, rr.r)
	if err != nil {
		return Outcome{}, false
	}
	return o, true
}

// receiveAsync starts Receive in the background. The returned channel
// yields exactly one value once the writing side is done.
func (rr *ResultReader) receiveAsync() <-chan received {
	ch := make(chan received, 1)
	go func() {
		o, ok := rr.Receive()
		ch <- received{outcome: o, ok: ok}
	}()
	return ch
}

type received struct {
	outcome Outcome
	ok      bool
}
