package stream

import (
	"io"
	"os"
	"sync"
	"time"
)

// Pipe returns two connected in-memory streams. Writes are synchronous:
// Write returns once the peer has read every byte, so a slow reader stalls
// the writer the way a full carrier window would. CloseWrite on one end
// delivers io.EOF to the other while the reverse direction stays open.
// Deadlines behave like socket deadlines and can be extended after expiry.
func Pipe() (*Conn, *Conn) {
	ab := newDirection()
	ba := newDirection()
	a := newPipeEnd(ba, ab)
	b := newPipeEnd(ab, ba)
	return New(a), New(b)
}

// direction is one half of a pipe, shared by its writing and reading ends.
type direction struct {
	data chan []byte
	ack  chan int

	eof     chan struct{} // writer finished
	eofOnce sync.Once

	gone     chan struct{} // reader stopped reading
	goneOnce sync.Once
}

func newDirection() *direction {
	return &direction{
		data: make(chan []byte),
		ack:  make(chan int),
		eof:  make(chan struct{}),
		gone: make(chan struct{}),
	}
}

func (d *direction) finish() { d.eofOnce.Do(func() { close(d.eof) }) }
func (d *direction) abandon() { d.goneOnce.Do(func() { close(d.gone) }) }

type pipeEnd struct {
	in, out *direction

	rd, wd deadline
	wrMu   sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
}

func newPipeEnd(in, out *direction) *pipeEnd {
	return &pipeEnd{
		in:     in,
		out:    out,
		rd:     makeDeadline(),
		wd:     makeDeadline(),
		closed: make(chan struct{}),
	}
}

func (p *pipeEnd) Read(b []byte) (int, error) {
	switch {
	case isClosed(p.in.gone):
		return 0, io.ErrClosedPipe
	case isClosed(p.rd.wait()):
		return 0, os.ErrDeadlineExceeded
	}

	select {
	case chunk := <-p.in.data:
		n := copy(b, chunk)
		p.in.ack <- n
		return n, nil
	case <-p.in.eof:
		return 0, io.EOF
	case <-p.in.gone:
		return 0, io.ErrClosedPipe
	case <-p.rd.wait():
		return 0, os.ErrDeadlineExceeded
	}
}

func (p *pipeEnd) Write(b []byte) (int, error) {
	p.wrMu.Lock()
	defer p.wrMu.Unlock()

	switch {
	case isClosed(p.out.eof), isClosed(p.out.gone):
		return 0, io.ErrClosedPipe
	case isClosed(p.wd.wait()):
		return 0, os.ErrDeadlineExceeded
	}

	var total int
	for first := true; first || len(b) > 0; first = false {
		select {
		case p.out.data <- b:
			n := <-p.out.ack
			b = b[n:]
			total += n
		case <-p.out.gone:
			return total, io.ErrClosedPipe
		case <-p.closed:
			return total, io.ErrClosedPipe
		case <-p.wd.wait():
			return total, os.ErrDeadlineExceeded
		}
	}
	return total, nil
}

func (p *pipeEnd) CloseWrite() error {
	p.out.finish()
	return nil
}

func (p *pipeEnd) CloseRead() error {
	p.in.abandon()
	return nil
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.out.finish()
		p.in.abandon()
	})
	return nil
}

func (p *pipeEnd) SetDeadline(t time.Time) error {
	p.rd.set(t)
	p.wd.set(t)
	return nil
}

// deadline is a resettable timer whose channel closes when it expires.
type deadline struct {
	mu     sync.Mutex
	timer  *time.Timer
	cancel chan struct{}
}

func makeDeadline() deadline {
	return deadline{cancel: make(chan struct{})}
}

func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		<-d.cancel // timer fired; wait for its close
	}
	d.timer = nil

	expired := isClosed(d.cancel)
	if t.IsZero() {
		if expired {
			d.cancel = make(chan struct{})
		}
		return
	}
	if dur := time.Until(t); dur > 0 {
		if expired {
			d.cancel = make(chan struct{})
		}
		cancel := d.cancel
		d.timer = time.AfterFunc(dur, func() { close(cancel) })
		return
	}
	if !expired {
		close(d.cancel)
	}
}

func (d *deadline) wait() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel
}

func isClosed(c chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
