// Package slab implements the connection slab: a growable indexed pool of
// connection records with a free-list, keyed by an id stable for the
// lifetime of its occupancy. Indices are never reissued before teardown or
// recycle frees them.
package slab

import (
	"net/netip"
	"runtime"

	"github.com/behrlich/reverseproxyd/internal/bufpool"
	"github.com/behrlich/reverseproxyd/internal/fdclose"
	"github.com/behrlich/reverseproxyd/internal/interfaces"
	"github.com/behrlich/reverseproxyd/internal/pump"
)

// NoFD is the sentinel value for an unset descriptor field.
const NoFD = -1

// Record is one client-backend connection pair. Pointer identity is stable
// for the occupancy's lifetime even if the slab's backing slice grows.
type Record struct {
	ClientFD  int
	BackendFD int

	BackendAddr    netip.AddrPort
	HasBackendAddr bool

	HeaderBuf   []byte
	HeaderStart int
	HeaderEnd   int

	C2B *pump.Pump
	B2C *pump.Pump

	RequestContentLength int64
	HasContentLength     bool
	RequestTEChunked     bool

	HadError bool

	// BackendSockaddr holds raw sockaddr bytes that must remain stable for
	// the duration of an in-flight non-blocking connect submission; Pinner
	// keeps the Go runtime from moving them while the kernel holds the
	// pointer.
	BackendSockaddr []byte
	Pinner          runtime.Pinner

	// occupied is false once the slot has been torn down or recycled and
	// before it is reused; Get uses it for an O(1) staleness check instead
	// of scanning the free-list on every completion.
	occupied bool
}

func (r *Record) reset() {
	r.ClientFD = NoFD
	r.BackendFD = NoFD
	r.BackendAddr = netip.AddrPort{}
	r.HasBackendAddr = false
	r.HeaderStart = 0
	r.HeaderEnd = 0
	r.RequestContentLength = 0
	r.HasContentLength = false
	r.RequestTEChunked = false
	r.HadError = false
	r.BackendSockaddr = nil
	r.C2B.ResetBuffer()
	r.B2C.ResetBuffer()
}

// Slab owns every connection record. A new slot draws its buffers from a
// pair of fixed-size pools (header size and I/O size); a vacated slot keeps
// its buffers for the next occupant rather than putting them back.
type Slab struct {
	logger interfaces.Logger

	headerBufCap int
	ioBufCap     int
	headerPool   *bufpool.Pool
	ioPool       *bufpool.Pool

	records []*Record
	free    []uint64
}

// New constructs an empty slab. capacityHint preallocates that many record
// slots up front (spec's slab_capacity configuration value); the slab still
// grows past it on demand.
func New(logger interfaces.Logger, headerBufCap, ioBufCap, capacityHint int) *Slab {
	s := &Slab{
		logger:       logger,
		headerBufCap: headerBufCap,
		ioBufCap:     ioBufCap,
		headerPool:   bufpool.New(headerBufCap),
		ioPool:       bufpool.New(ioBufCap),
	}
	if capacityHint > 0 {
		s.records = make([]*Record, 0, capacityHint)
	}
	return s
}

// Alloc returns a free id, reusing a vacated slot from the free-list before
// growing the slab. The returned record is freshly reset and ready for
// EnsureSlot.
func (s *Slab) Alloc() uint64 {
	if n := len(s.free); n > 0 {
		id := s.free[n-1]
		s.free = s.free[:n-1]
		s.records[id].reset()
		s.records[id].occupied = true
		return id
	}
	id := uint64(len(s.records))
	rec := &Record{
		ClientFD:  NoFD,
		BackendFD: NoFD,
		occupied:  true,
	}
	rec.C2B = pump.New(s.ioPool.Get(), NoFD, NoFD)
	rec.B2C = pump.New(s.ioPool.Get(), NoFD, NoFD)
	rec.HeaderBuf = s.headerPool.Get()
	s.records = append(s.records, rec)
	return id
}

// EnsureSlot initializes the record at id with a freshly accepted client
// descriptor and fresh buffers, ready to receive headers.
func (s *Slab) EnsureSlot(id uint64, clientFD int) *Record {
	rec := s.records[id]
	rec.reset()
	rec.ClientFD = clientFD
	rec.HeaderBuf = rec.HeaderBuf[:s.headerBufCap]
	return rec
}

// Get returns the record at id if the slot is occupied (not on the
// free-list). A caller that finds an id absent here should treat the
// completion referencing it as stale and discard it silently.
func (s *Slab) Get(id uint64) (*Record, bool) {
	if id >= uint64(len(s.records)) {
		return nil, false
	}
	rec := s.records[id]
	if !rec.occupied {
		return nil, false
	}
	return rec, true
}

// Teardown closes both descriptors and returns id to the free-list.
func (s *Slab) Teardown(id uint64) {
	rec := s.records[id]
	fdclose.Quiet(s.logger, rec.ClientFD, "slab teardown client_fd")
	fdclose.Quiet(s.logger, rec.BackendFD, "slab teardown backend_fd")
	rec.Pinner.Unpin()
	rec.occupied = false
	s.free = append(s.free, id)
}

// RecycleSlotOnly closes only the client descriptor, since the backend fd
// has already been handed to the idle cache by the caller, and returns id
// to the free-list so it can back a fresh accept.
func (s *Slab) RecycleSlotOnly(id uint64) {
	rec := s.records[id]
	fdclose.Quiet(s.logger, rec.ClientFD, "slab recycle client_fd")
	rec.Pinner.Unpin()
	rec.occupied = false
	s.free = append(s.free, id)
}

// Len reports the number of slots the slab has ever allocated (occupied or
// free), i.e. the upper bound on valid ids.
func (s *Slab) Len() int { return len(s.records) }

// FreeCount reports the number of currently vacant slots.
func (s *Slab) FreeCount() int { return len(s.free) }
