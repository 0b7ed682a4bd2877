package reactor

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/reverseproxyd/internal/registry"
	"github.com/behrlich/reverseproxyd/internal/tag"
)

// sentinel client fd values for tests: far outside the range of any real
// descriptor this test process is likely to have open, so slab teardown's
// quiet-close of a fake "client fd" can never collide with a real one.
const testClientFD = 100000

func testConfig() Config {
	return Config{
		InitialAccepts:       1,
		RingSize:             64,
		IOBufferCapacity:     4096,
		HeaderBufferCapacity: 256,
		SlabCapacity:         8,
		CompletionBatch:      32,
	}
}

func newTestWorker(t *testing.T, backendAddrs ...string) (*Worker, *fakeRing) {
	t.Helper()
	ring := newFakeRing()
	var backends []registry.Backend
	for _, addr := range backendAddrs {
		backends = append(backends, registry.Backend{Addr: netip.MustParseAddrPort(addr)})
	}
	reg := registry.New(backends)
	w := NewWorker(ring, 10, testConfig(), reg, nil)
	require.NoError(t, w.Prime())
	return w, ring
}

// GET without body, fresh backend, single backend returning a 3-byte
// body. Expected post-state: the backend fd is cached, the slab id freed.
func TestFreshBackendCachesFdOnCleanFinish(t *testing.T) {
	w, ring := newTestWorker(t, "127.0.0.1:9000")

	w.dispatch(CQE{UserData: tag.Pack(0, tag.OpAccept, 0), Res: testClientFD})

	headerOp := ring.lastOpOfKind("recv")
	require.NotNil(t, headerOp)
	assert.Equal(t, testClientFD, headerOp.FD)

	request := []byte("GET /hi HTTP/1.1\r\nHost: x\r\n\r\n")
	copy(headerOp.Buf, request)
	w.dispatch(CQE{UserData: headerOp.Tag, Res: int32(len(request))})

	connectOp := ring.lastOpOfKind("connect")
	require.NotNil(t, connectOp, "a fresh backend address must trigger a connect submission")

	w.dispatch(CQE{UserData: connectOp.Tag, Res: 0})

	sendOp := ring.lastOpOfKind("send")
	require.NotNil(t, sendOp)
	assert.Equal(t, request, sendOp.Buf[:len(request)])

	b2cRecvOp := ring.lastOpOfKind("recv")
	require.NotNil(t, b2cRecvOp)

	w.dispatch(CQE{UserData: sendOp.Tag, Res: int32(len(request))})

	// No body was declared, so the c2b pump must not re-arm a recv once
	// its send drains; it stays exhausted and idle.
	for _, op := range ring.opsOfKind("recv") {
		if _, opc, dir := tag.Unpack(op.Tag); opc == tag.OpRecv && dir == tag.ClientToBackend {
			t.Fatalf("c2b recv must not be re-armed for a request with no declared body")
		}
	}

	response := []byte("HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nOKK")
	copy(b2cRecvOp.Buf, response)
	w.dispatch(CQE{UserData: b2cRecvOp.Tag, Res: int32(len(response))})

	b2cSendOp := ring.lastOpOfKind("send")
	require.NotNil(t, b2cSendOp)
	assert.Equal(t, response, b2cSendOp.Buf[:len(response)])
	w.dispatch(CQE{UserData: b2cSendOp.Tag, Res: int32(len(response))})

	eofRecvOp := ring.lastOpOfKind("recv")
	require.NotNil(t, eofRecvOp)
	w.dispatch(CQE{UserData: eofRecvOp.Tag, Res: 0})

	addr := netip.MustParseAddrPort("127.0.0.1:9000")
	assert.Equal(t, 1, w.cache.Len(addr), "backend fd must be cached after a clean finish")
	_, stillLive := w.slab.Get(0)
	assert.False(t, stillLive, "slab id must be freed on recycle")
}

// POST with Content-Length body arriving in a segment after the blank
// line. The header send and the re-armed recv for the remainder must both
// carry the exact declared bytes, in order.
func TestContentLengthBodySplitAcrossSegmentsForwardsVerbatim(t *testing.T) {
	w, ring := newTestWorker(t, "127.0.0.1:9000")

	w.dispatch(CQE{UserData: tag.Pack(0, tag.OpAccept, 0), Res: testClientFD})
	headerOp := ring.lastOpOfKind("recv")
	require.NotNil(t, headerOp)

	seg1 := []byte("POST /u HTTP/1.1\r\nHost:x\r\nContent-Length: 5\r\n\r\n")
	copy(headerOp.Buf, seg1)
	w.dispatch(CQE{UserData: headerOp.Tag, Res: int32(len(seg1))})

	connectOp := ring.lastOpOfKind("connect")
	require.NotNil(t, connectOp)
	w.dispatch(CQE{UserData: connectOp.Tag, Res: 0})

	headerSendOp := ring.lastOpOfKind("send")
	require.NotNil(t, headerSendOp)
	assert.Equal(t, seg1, headerSendOp.Buf[:len(seg1)])

	// Draining the header send fully re-arms a c2b recv for the remainder
	// of the declared body.
	w.dispatch(CQE{UserData: headerSendOp.Tag, Res: int32(len(seg1))})

	bodyRecvOp := ring.lastOpOfKind("recv")
	require.NotNil(t, bodyRecvOp)
	_, _, dir := tag.Unpack(bodyRecvOp.Tag)
	require.Equal(t, tag.ClientToBackend, dir, "expected a re-armed c2b recv for the split body")

	seg2 := []byte("ABCDE")
	copy(bodyRecvOp.Buf, seg2)
	w.dispatch(CQE{UserData: bodyRecvOp.Tag, Res: int32(len(seg2))})

	bodySendOp := ring.lastOpOfKind("send")
	require.NotNil(t, bodySendOp)
	assert.Equal(t, seg2, bodySendOp.Buf[:len(seg2)], "backend must see the body verbatim, in order")
}

// Malformed request line. No backend connect attempted; connection torn
// down; slab id returned to the free-list.
func TestMalformedRequestNeverDialsBackend(t *testing.T) {
	w, ring := newTestWorker(t, "127.0.0.1:9000")

	w.dispatch(CQE{UserData: tag.Pack(0, tag.OpAccept, 0), Res: testClientFD})
	headerOp := ring.lastOpOfKind("recv")
	require.NotNil(t, headerOp)

	bad := []byte("NOT-HTTP\r\n\r\n")
	copy(headerOp.Buf, bad)
	w.dispatch(CQE{UserData: headerOp.Tag, Res: int32(len(bad))})

	assert.Nil(t, ring.lastOpOfKind("connect"), "malformed request must never dial a backend")
	_, ok := w.slab.Get(0)
	assert.False(t, ok, "slot must be torn down, not left occupied")
}

// The backend closes mid-response without satisfying its advertised
// Content-Length. A clean EOF with no I/O error still permits cache reuse
// even though the body was incomplete.
func TestUpstreamEOFMidResponseStillPermitsReuse(t *testing.T) {
	w, ring := newTestWorker(t, "127.0.0.1:9000")

	w.dispatch(CQE{UserData: tag.Pack(0, tag.OpAccept, 0), Res: testClientFD})
	headerOp := ring.lastOpOfKind("recv")
	request := []byte("GET /big HTTP/1.1\r\nHost: x\r\n\r\n")
	copy(headerOp.Buf, request)
	w.dispatch(CQE{UserData: headerOp.Tag, Res: int32(len(request))})

	connectOp := ring.lastOpOfKind("connect")
	require.NotNil(t, connectOp)
	w.dispatch(CQE{UserData: connectOp.Tag, Res: 0})

	sendOp := ring.lastOpOfKind("send")
	b2cRecvOp := ring.lastOpOfKind("recv")
	w.dispatch(CQE{UserData: sendOp.Tag, Res: int32(len(request))})

	partial := []byte("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nshort")
	copy(b2cRecvOp.Buf, partial)
	w.dispatch(CQE{UserData: b2cRecvOp.Tag, Res: int32(len(partial))})

	forwardOp := ring.lastOpOfKind("send")
	require.NotNil(t, forwardOp)
	assert.Equal(t, partial, forwardOp.Buf[:len(partial)])
	w.dispatch(CQE{UserData: forwardOp.Tag, Res: int32(len(partial))})

	eofRecvOp := ring.lastOpOfKind("recv")
	require.NotNil(t, eofRecvOp)
	w.dispatch(CQE{UserData: eofRecvOp.Tag, Res: 0})

	addr := netip.MustParseAddrPort("127.0.0.1:9000")
	assert.Equal(t, 1, w.cache.Len(addr))
}

// Boundary: header buffer exactly full with no CRLFCRLF must tear down
// rather than resubmit forever.
func TestBoundaryHeaderBufferFullWithoutTerminatorIsMalformed(t *testing.T) {
	ring := newFakeRing()
	reg := registry.New([]registry.Backend{{Addr: netip.MustParseAddrPort("127.0.0.1:9000")}})
	cfg := testConfig()
	cfg.HeaderBufferCapacity = 16
	w := NewWorker(ring, 10, cfg, reg, nil)
	require.NoError(t, w.Prime())

	w.dispatch(CQE{UserData: tag.Pack(0, tag.OpAccept, 0), Res: testClientFD})
	headerOp := ring.lastOpOfKind("recv")
	require.NotNil(t, headerOp)
	require.Len(t, headerOp.Buf, 16)

	junk := make([]byte, 16)
	for i := range junk {
		junk[i] = 'x'
	}
	copy(headerOp.Buf, junk)
	w.dispatch(CQE{UserData: headerOp.Tag, Res: 16})

	_, ok := w.slab.Get(0)
	assert.False(t, ok, "a full header buffer with no terminator must tear down, not loop forever")
}

// An empty registry is a fatal-connect condition: no hardcoded fallback
// address, connection torn down.
func TestEmptyRegistrySelectionTearsDownConnection(t *testing.T) {
	w, ring := newTestWorker(t)

	w.dispatch(CQE{UserData: tag.Pack(0, tag.OpAccept, 0), Res: testClientFD})
	headerOp := ring.lastOpOfKind("recv")
	require.NotNil(t, headerOp)

	request := []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	copy(headerOp.Buf, request)
	w.dispatch(CQE{UserData: headerOp.Tag, Res: int32(len(request))})

	assert.Nil(t, ring.lastOpOfKind("connect"))
	_, ok := w.slab.Get(0)
	assert.False(t, ok)
}

// A negative accept result resubmits on the same slab slot rather than
// allocating a new one.
func TestAcceptRetryOnNegativeResultReusesSameSlot(t *testing.T) {
	w, ring := newTestWorker(t, "127.0.0.1:9000")

	w.dispatch(CQE{UserData: tag.Pack(0, tag.OpAccept, 0), Res: -1})

	acceptOps := ring.opsOfKind("accept")
	require.Len(t, acceptOps, 2, "the initial prime plus the retry")
	id, _, _ := tag.Unpack(acceptOps[len(acceptOps)-1].Tag)
	assert.Equal(t, uint64(0), id, "retry must resubmit on the same slab id")
}

// A completion arriving after its connection already tore down must be
// discarded silently rather than panicking or resurrecting the slot.
func TestStaleCompletionAfterTeardownIsDiscarded(t *testing.T) {
	w, ring := newTestWorker(t, "127.0.0.1:9000")

	w.dispatch(CQE{UserData: tag.Pack(0, tag.OpAccept, 0), Res: testClientFD})
	headerOp := ring.lastOpOfKind("recv")
	bad := []byte("NOT-HTTP\r\n\r\n")
	copy(headerOp.Buf, bad)
	w.dispatch(CQE{UserData: headerOp.Tag, Res: int32(len(bad))})

	assert.NotPanics(t, func() {
		w.dispatch(CQE{UserData: tag.Pack(0, tag.OpRecv, tag.ClientToBackend), Res: 5})
	})
}
