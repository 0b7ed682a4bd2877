// Package pump implements a unidirectional stream-forwarding state machine
// over one fixed-capacity buffer: bytes land from read_fd and drain to
// write_fd, with at most one recv and one send outstanding at a time.
package pump

// Pump is one direction of a spliced connection. The zero value is not
// ready for use; construct with New.
type Pump struct {
	ReadFD  int
	WriteFD int

	buf []byte

	ready int // valid bytes at the front of buf
	sent  int // bytes already forwarded; 0 <= sent <= ready <= cap(buf)

	recvInFlight bool
	sendInFlight bool

	// RemainingBody bounds request-body forwarding against a declared
	// Content-Length. Negative means unbounded (a chunked request, or a
	// direction that isn't request-body framed). A request that declares no
	// body at all is given zero, so its pump counts as exhausted at once.
	RemainingBody int64
}

// New creates a pump with the given fixed buffer capacity. readFD/writeFD
// are typically unset (-1) until the pump is cross-wired by start-streaming.
func New(buf []byte, readFD, writeFD int) *Pump {
	return &Pump{
		ReadFD:        readFD,
		WriteFD:       writeFD,
		buf:           buf[:0:cap(buf)],
		RemainingBody: -1,
	}
}

// Buffer exposes the backing buffer for swap tricks (header-to-pump buffer
// handoff); length is always cap(buf), callers index by Ready/Sent.
func (p *Pump) Buffer() []byte { return p.buf[:cap(p.buf)] }

// SetBuffer replaces the backing buffer (used for the zero-copy handoff of
// the connection's header buffer into its c2b pump) and the cursors that
// describe how much of it is already valid/sent.
func (p *Pump) SetBuffer(buf []byte, ready, sent int) {
	p.buf = buf[:0:cap(buf)]
	p.ready = ready
	p.sent = sent
}

func (p *Pump) Ready() int   { return p.ready }
func (p *Pump) Sent() int    { return p.sent }
func (p *Pump) Cap() int     { return cap(p.buf) }
func (p *Pump) RecvInFlight() bool { return p.recvInFlight }
func (p *Pump) SendInFlight() bool { return p.sendInFlight }

// IsIdle reports whether the pump has no outstanding operation and no
// buffered, unsent bytes: the condition a connection's two pumps must both
// satisfy before its backend fd is eligible for cache return.
func (p *Pump) IsIdle() bool {
	return !p.recvInFlight && !p.sendInFlight && p.ready == 0
}

// ResetBuffer clears the cursors (not the backing memory) so the pump is
// ready for reuse by a fresh connection occupying the same slab slot.
func (p *Pump) ResetBuffer() {
	p.ready = 0
	p.sent = 0
	p.recvInFlight = false
	p.sendInFlight = false
	p.RemainingBody = -1
}

// RecvTarget returns the buffer window a recv should be posted into, and
// whether a recv should be posted at all (post_recv is a no-op if a recv is
// already in flight or the buffer's tail is full).
func (p *Pump) RecvTarget() (window []byte, ok bool) {
	if p.recvInFlight || p.ready == cap(p.buf) {
		return nil, false
	}
	return p.buf[p.ready:cap(p.buf)], true
}

// MarkRecvPosted records that a recv submission referencing RecvTarget's
// window was handed to the ring.
func (p *Pump) MarkRecvPosted() { p.recvInFlight = true }

// ClearRecvInFlight records that the outstanding recv completed without
// delivering bytes (upstream EOF or a terminal error), so OnRecvComplete's
// ready-advancing path does not apply.
func (p *Pump) ClearRecvInFlight() { p.recvInFlight = false }

// OnRecvComplete applies a successful (res > 0) recv completion: clears the
// in-flight flag and advances Ready by n.
func (p *Pump) OnRecvComplete(n int) {
	p.recvInFlight = false
	p.ready += n
	if p.RemainingBody >= 0 {
		p.RemainingBody -= int64(n)
		if p.RemainingBody < 0 {
			p.RemainingBody = 0
		}
	}
}

// SendTarget returns the buffer window a send should be posted from, and
// whether a send should be posted at all (post_send is a no-op if a send is
// already in flight or everything buffered has already been sent).
func (p *Pump) SendTarget() (window []byte, ok bool) {
	if p.sendInFlight || p.sent == p.ready {
		return nil, false
	}
	return p.buf[p.sent:p.ready], true
}

// MarkSendPosted records that a send submission referencing SendTarget's
// window was handed to the ring.
func (p *Pump) MarkSendPosted() { p.sendInFlight = true }

// OnSendComplete applies a successful (res >= 0) send completion: clears the
// in-flight flag and advances Sent by n. Reports whether the buffer has now
// fully drained (sent == ready), in which case the caller should reset the
// cursors to zero and re-arm a recv.
func (p *Pump) OnSendComplete(n int) (drained bool) {
	p.sendInFlight = false
	p.sent += n
	if p.sent < p.ready {
		return false
	}
	p.sent = 0
	p.ready = 0
	return true
}

// BodyExhausted reports whether a declared, bounded request body has been
// fully received (RemainingBody reached zero), or the request declared no
// body (RemainingBody set to zero up front). Unbounded pumps (RemainingBody
// negative: chunked requests and the response direction) never report
// exhausted via this check.
func (p *Pump) BodyExhausted() bool {
	return p.RemainingBody == 0
}
