package reactor

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/behrlich/reverseproxyd/internal/backendcache"
	"github.com/behrlich/reverseproxyd/internal/fdclose"
	"github.com/behrlich/reverseproxyd/internal/httppeek"
	"github.com/behrlich/reverseproxyd/internal/interfaces"
	"github.com/behrlich/reverseproxyd/internal/pump"
	"github.com/behrlich/reverseproxyd/internal/registry"
	"github.com/behrlich/reverseproxyd/internal/slab"
	"github.com/behrlich/reverseproxyd/internal/tag"
)

// Worker drives one ring through its lifetime, owning the slab and the idle
// backend cache. Shared-nothing: every field below is touched only by the
// goroutine that calls Run, never by another worker.
type Worker struct {
	cfg      Config
	ring     Ring
	listenFD int

	slab     *slab.Slab
	cache    *backendcache.Cache
	registry *registry.Registry
	logger   interfaces.Logger

	// pendingSubmits counts SQEs prepared via getSQE since the last flush,
	// driving the main loop's flush-only-if-something-is-pending check.
	pendingSubmits int
}

// NewWorker constructs a worker bound to listenFD, using ring as its kernel
// interface and reg as the (shared, process-wide) backend registry.
func NewWorker(ring Ring, listenFD int, cfg Config, reg *registry.Registry, logger interfaces.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		ring:     ring,
		listenFD: listenFD,
		slab:     slab.New(logger, cfg.HeaderBufferCapacity, cfg.IOBufferCapacity, cfg.SlabCapacity),
		cache:    backendcache.New(logger),
		registry: reg,
		logger:   logger,
	}
}

// Prime preallocates the worker's initial pipeline of connection records
// and submits one accept operation per record against the listening
// descriptor.
func (w *Worker) Prime() error {
	n := w.cfg.InitialAccepts
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		id := w.slab.Alloc()
		w.submitAccept(id)
	}
	_, err := w.ring.Submit()
	w.pendingSubmits = 0
	return err
}

// Close tears down the ring. Live connections are not individually drained;
// the kernel closing the ring's file descriptors is sufficient for a worker
// shutdown (callers own graceful request draining, if any, above this
// layer).
func (w *Worker) Close() {
	w.ring.Close()
}

// Run drives the main loop until ctx is cancelled or a ring operation fails
// fatally. This is the only place a worker goroutine blocks on a syscall.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]CQE, w.cfg.CompletionBatch)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n := w.ring.PeekBatchCQE(batch)
		if n == 0 && w.pendingSubmits > 0 {
			if _, err := w.ring.Submit(); err != nil {
				return fmt.Errorf("reactor: submit: %w", err)
			}
			w.pendingSubmits = 0
			n = w.ring.PeekBatchCQE(batch)
		}
		if n == 0 {
			if _, err := w.ring.SubmitAndWait(1); err != nil {
				return fmt.Errorf("reactor: submit_and_wait: %w", err)
			}
			w.pendingSubmits = 0
			n = w.ring.PeekBatchCQE(batch)
		}

		for i := uint32(0); i < n; i++ {
			w.dispatch(batch[i])
		}
		w.ring.CQAdvance(n)
	}
}

// dispatch decodes one completion's tag and routes it to a handler.
func (w *Worker) dispatch(cqe CQE) {
	id, op, dir := tag.Unpack(cqe.UserData)

	if op == tag.OpAccept {
		w.handleAccept(id, cqe.Res)
		return
	}

	if _, ok := w.slab.Get(id); !ok {
		// Stale completion: the slot was torn down or recycled before this
		// completion arrived. Discard silently.
		return
	}

	switch op {
	case tag.OpRecvHeaders:
		w.handleRecvHeaders(id, cqe.Res)
	case tag.OpConnectBackend:
		w.handleConnectBackend(id, cqe.Res)
	case tag.OpRecv:
		w.handleRecv(id, dir, cqe.Res)
	case tag.OpSend:
		w.handleSend(id, dir, cqe.Res)
	case tag.OpTimeout:
		w.teardown(id)
	default:
		panic(fmt.Sprintf("reactor: unknown opcode %d in completion tag", op))
	}
}

// getSQE returns a submission handle, flushing once to free space if the
// queue reports full. A nil result after that means the ring is
// misconfigured far below the load it is asked to carry, a programming
// error rather than a runtime condition, so it panics rather than silently
// dropping the operation.
func (w *Worker) getSQE() SQE {
	sqe := w.ring.GetSQE()
	if sqe == nil {
		if _, err := w.ring.Submit(); err != nil && w.logger != nil {
			w.logger.Error("reactor: submit while freeing SQE slot", "err", err)
		}
		w.pendingSubmits = 0
		sqe = w.ring.GetSQE()
	}
	if sqe == nil {
		panic("reactor: no free SQE after flush; ring_size too small for offered load")
	}
	w.pendingSubmits++
	return sqe
}

func (w *Worker) submitAccept(id uint64) {
	sqe := w.getSQE()
	sqe.PrepareAccept(w.listenFD, tag.Pack(id, tag.OpAccept, 0))
}

func (w *Worker) submitRecvHeaders(id uint64, rec *slab.Record) {
	window := rec.HeaderBuf[rec.HeaderEnd:]
	sqe := w.getSQE()
	sqe.PrepareRecv(rec.ClientFD, window, tag.Pack(id, tag.OpRecvHeaders, 0))
}

func (w *Worker) submitConnectRetryNop(id uint64) {
	sqe := w.getSQE()
	sqe.PrepareNop(tag.Pack(id, tag.OpConnectBackend, 0))
}

func (w *Worker) teardown(id uint64) {
	w.slab.Teardown(id)
}

// 4.1.1 Accept.
func (w *Worker) handleAccept(id uint64, res int32) {
	if _, ok := w.slab.Get(id); !ok {
		return
	}
	if res < 0 {
		w.submitAccept(id)
		return
	}

	rec := w.slab.EnsureSlot(id, int(res))
	w.submitRecvHeaders(id, rec)

	// Keep the count of outstanding accept submissions at InitialAccepts.
	newID := w.slab.Alloc()
	w.submitAccept(newID)
}

// 4.1.2 RecvHeaders.
func (w *Worker) handleRecvHeaders(id uint64, res int32) {
	rec, ok := w.slab.Get(id)
	if !ok {
		return
	}
	if res <= 0 {
		rec.HadError = true
		w.teardown(id)
		return
	}

	rec.HeaderEnd += int(res)
	window := rec.HeaderBuf[rec.HeaderStart:rec.HeaderEnd]
	result, meta := httppeek.Peek(window)

	switch result {
	case httppeek.Incomplete:
		if rec.HeaderEnd >= len(rec.HeaderBuf) {
			// No tail left to read into and still no CRLFCRLF: malformed.
			rec.HadError = true
			w.teardown(id)
			return
		}
		w.submitRecvHeaders(id, rec)
	case httppeek.Malformed:
		rec.HadError = true
		w.teardown(id)
	case httppeek.Complete:
		w.handleHeadersComplete(id, rec, meta)
	}
}

func (w *Worker) handleHeadersComplete(id uint64, rec *slab.Record, meta httppeek.Metadata) {
	rec.RequestContentLength = meta.ContentLength
	rec.HasContentLength = meta.HasContentLength
	rec.RequestTEChunked = meta.TransferEncodingChunked

	backend, ok := w.registry.Select()
	if !ok {
		rec.HadError = true
		w.teardown(id)
		return
	}
	rec.BackendAddr = backend.Addr
	rec.HasBackendAddr = true

	w.handoffHeaderBuffer(rec, meta.HeaderBlockEnd)

	if fd, ok := w.cache.Borrow(rec.BackendAddr); ok {
		rec.BackendFD = fd
		w.startStreaming(rec)
		w.postSend(id, rec.C2B, tag.ClientToBackend)
		w.postRecv(id, rec.B2C, tag.BackendToClient)
		return
	}

	if err := w.dialBackend(id, rec); err != nil {
		if w.logger != nil {
			w.connLogger(id, rec).Debugf("dial backend failed: %v", err)
		}
		rec.HadError = true
		w.teardown(id)
	}
}

// connLogger returns a Logger carrying this connection's id and, once
// selected, its backend address, so every line logged about one connection
// can be traced through the stream without repeating that context at each
// call site.
func (w *Worker) connLogger(id uint64, rec *slab.Record) interfaces.Logger {
	if rec.HasBackendAddr {
		return w.logger.With("conn", id, "backend", rec.BackendAddr)
	}
	return w.logger.With("conn", id)
}

// handoffHeaderBuffer moves the accumulated header-plus-interleaved-body
// bytes into the c2b pump buffer by swapping the two buffers outright (the
// zero-copy path), compacting any prefix gap to offset zero, and bounds the
// pump's forwarding against a declared request body length. A request with
// neither Content-Length nor chunked encoding has no body to forward at
// all, so c2b is marked exhausted immediately rather than left to idle on a
// recv nothing will ever satisfy.
func (w *Worker) handoffHeaderBuffer(rec *slab.Record, headerBlockEnd int) {
	n := rec.HeaderEnd - rec.HeaderStart
	buf := rec.HeaderBuf
	if rec.HeaderStart != 0 {
		copy(buf, buf[rec.HeaderStart:rec.HeaderEnd])
	}

	oldC2BBuf := rec.C2B.Buffer()
	rec.C2B.SetBuffer(buf, n, 0)
	rec.HeaderBuf = oldC2BBuf
	rec.HeaderStart = 0
	rec.HeaderEnd = 0

	switch {
	case rec.RequestTEChunked:
		rec.C2B.RemainingBody = -1
	case rec.HasContentLength:
		alreadyBuffered := int64(n - headerBlockEnd)
		remaining := rec.RequestContentLength - alreadyBuffered
		if remaining < 0 {
			remaining = 0
		}
		rec.C2B.RemainingBody = remaining
	default:
		rec.C2B.RemainingBody = 0
	}
}

func (w *Worker) dialBackend(id uint64, rec *slab.Record) error {
	sa, family, err := sockaddrBytes(rec.BackendAddr)
	if err != nil {
		return err
	}
	fd, err := unix.Socket(int(family), unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return err
	}

	rec.BackendFD = fd
	rec.BackendSockaddr = sa
	rec.Pinner.Pin(&rec.BackendSockaddr[0])

	sqe := w.getSQE()
	sqe.PrepareConnect(fd, rec.BackendSockaddr, tag.Pack(id, tag.OpConnectBackend, 0))
	return nil
}

func (w *Worker) startStreaming(rec *slab.Record) {
	rec.C2B.ReadFD = rec.ClientFD
	rec.C2B.WriteFD = rec.BackendFD
	rec.B2C.ReadFD = rec.BackendFD
	rec.B2C.WriteFD = rec.ClientFD
}

// 4.1.3 ConnectBackend.
func (w *Worker) handleConnectBackend(id uint64, res int32) {
	rec, ok := w.slab.Get(id)
	if !ok {
		return
	}

	switch {
	case res == -int32(unix.EINPROGRESS), res == -int32(unix.EALREADY):
		w.submitConnectRetryNop(id)
	case res != 0:
		if w.logger != nil {
			w.connLogger(id, rec).Debugf("connect failed with errno %d", -res)
		}
		rec.HadError = true
		w.teardown(id)
	default:
		w.startStreaming(rec)
		w.postSend(id, rec.C2B, tag.ClientToBackend)
		w.postRecv(id, rec.B2C, tag.BackendToClient)
	}
}

// 4.1.4 Splicing.
func (w *Worker) postRecv(id uint64, p *pump.Pump, dir tag.Direction) {
	if p.BodyExhausted() {
		return
	}
	window, ok := p.RecvTarget()
	if !ok {
		return
	}
	sqe := w.getSQE()
	sqe.PrepareRecv(p.ReadFD, window, tag.Pack(id, tag.OpRecv, dir))
	p.MarkRecvPosted()
}

func (w *Worker) postSend(id uint64, p *pump.Pump, dir tag.Direction) {
	window, ok := p.SendTarget()
	if !ok {
		return
	}
	sqe := w.getSQE()
	sqe.PrepareSend(p.WriteFD, window, tag.Pack(id, tag.OpSend, dir))
	p.MarkSendPosted()
}

func (w *Worker) pumpFor(rec *slab.Record, dir tag.Direction) *pump.Pump {
	if dir == tag.ClientToBackend {
		return rec.C2B
	}
	return rec.B2C
}

func (w *Worker) handleRecv(id uint64, dir tag.Direction, res int32) {
	rec, ok := w.slab.Get(id)
	if !ok {
		return
	}
	p := w.pumpFor(rec, dir)

	switch {
	case res > 0:
		p.OnRecvComplete(int(res))
		w.postSend(id, p, dir)
	case res == 0 && dir == tag.BackendToClient:
		p.ClearRecvInFlight()
		w.finish(id, rec)
	default:
		p.ClearRecvInFlight()
		rec.HadError = true
		w.teardown(id)
	}
}

func (w *Worker) handleSend(id uint64, dir tag.Direction, res int32) {
	rec, ok := w.slab.Get(id)
	if !ok {
		return
	}
	if res < 0 {
		rec.HadError = true
		w.teardown(id)
		return
	}

	p := w.pumpFor(rec, dir)
	if drained := p.OnSendComplete(int(res)); drained {
		w.postRecv(id, p, dir)
	} else {
		w.postSend(id, p, dir)
	}
}

// 4.1.5 Finish: called when the backend-to-client direction observes EOF.
func (w *Worker) finish(id uint64, rec *slab.Record) {
	eligible := rec.HasBackendAddr && !rec.HadError && rec.C2B.IsIdle() && rec.B2C.IsIdle()
	if eligible {
		addr := rec.BackendAddr
		fd := rec.BackendFD
		rec.BackendFD = slab.NoFD
		w.cache.Return(addr, fd, func(fd int) {
			fdclose.Quiet(w.logger, fd, "backendcache return over MaxCached")
		})
		w.slab.RecycleSlotOnly(id)
		return
	}
	w.teardown(id)
}
