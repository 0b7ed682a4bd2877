//go:build linux

package reactor

import (
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

// giouringRing is the production Ring backed by the real kernel io_uring,
// following the SQE-prepare / submit-and-wait / peek-batch-CQE usage
// pattern of a typical giouring-based TCP event loop.
type giouringRing struct {
	ring *giouring.Ring
	raw  []*giouring.CompletionQueueEvent
}

// NewGiouringRing constructs a real ring of the given submission/completion
// queue depth.
func NewGiouringRing(entries uint32) (Ring, error) {
	r, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, err
	}
	return &giouringRing{ring: r}, nil
}

func (r *giouringRing) GetSQE() SQE {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return nil
	}
	return &giouringSQE{sqe: sqe}
}

func (r *giouringRing) Submit() (int, error) {
	n, err := r.ring.SubmitAndWait(0)
	return int(n), err
}

func (r *giouringRing) SubmitAndWait(waitNr uint32) (int, error) {
	n, err := r.ring.SubmitAndWait(waitNr)
	return int(n), err
}

func (r *giouringRing) PeekBatchCQE(cqes []CQE) uint32 {
	if cap(r.raw) < len(cqes) {
		r.raw = make([]*giouring.CompletionQueueEvent, len(cqes))
	}
	raw := r.raw[:len(cqes)]
	n := r.ring.PeekBatchCQE(raw)
	for i := uint32(0); i < n; i++ {
		cqes[i] = CQE{
			UserData: raw[i].UserData,
			Res:      raw[i].Res,
			Flags:    raw[i].Flags,
		}
	}
	return n
}

func (r *giouringRing) CQAdvance(n uint32) {
	r.ring.CQAdvance(n)
}

func (r *giouringRing) Close() {
	r.ring.QueueExit()
}

type giouringSQE struct {
	sqe *giouring.SubmissionQueueEntry
}

func (s *giouringSQE) PrepareAccept(listenFD int, tagValue uint64) {
	s.sqe.PrepareAccept(listenFD, 0, 0, 0)
	s.sqe.UserData = tagValue
}

func (s *giouringSQE) PrepareConnect(fd int, addr []byte, tagValue uint64) {
	s.sqe.PrepareConnect(fd, uintptr(unsafe.Pointer(&addr[0])), uint64(len(addr)))
	s.sqe.UserData = tagValue
}

func (s *giouringSQE) PrepareRecv(fd int, buf []byte, tagValue uint64) {
	s.sqe.PrepareRecv(fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
	s.sqe.UserData = tagValue
}

func (s *giouringSQE) PrepareSend(fd int, buf []byte, tagValue uint64) {
	s.sqe.PrepareSend(fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
	s.sqe.UserData = tagValue
}

func (s *giouringSQE) PrepareClose(fd int, tagValue uint64) {
	s.sqe.PrepareClose(fd)
	s.sqe.UserData = tagValue
}

func (s *giouringSQE) PrepareNop(tagValue uint64) {
	s.sqe.PrepareNop()
	s.sqe.UserData = tagValue
}
