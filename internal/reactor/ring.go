package reactor

// CQE is a completion queue event, decoupled from the concrete ring backend
// so dispatch logic can be exercised against a fake ring in tests.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// SQE is the submission-side handle handed out by Ring.GetSQE. Each Prepare*
// call configures the one operation this SQE will carry and stamps it with
// the packed completion tag.
type SQE interface {
	PrepareAccept(listenFD int, tagValue uint64)
	PrepareConnect(fd int, addr []byte, tagValue uint64)
	PrepareRecv(fd int, buf []byte, tagValue uint64)
	PrepareSend(fd int, buf []byte, tagValue uint64)
	PrepareClose(fd int, tagValue uint64)
	// PrepareNop arms a completion that fires with no kernel side effect,
	// used to re-test a transient, in-progress connect on the next loop
	// iteration.
	PrepareNop(tagValue uint64)
}

// Ring abstracts the kernel I/O ring this reactor drives. The production
// implementation (ring_linux.go) wraps github.com/pawelgaczynski/giouring
// directly; tests drive a fake implementation that never touches the
// kernel.
type Ring interface {
	// GetSQE returns a handle for the next free submission slot, or nil if
	// the submission queue is full (caller must Submit to make room).
	GetSQE() SQE
	// Submit flushes prepared SQEs to the kernel without waiting for any
	// completion.
	Submit() (int, error)
	// SubmitAndWait flushes prepared SQEs and blocks until at least
	// waitNr completions are available.
	SubmitAndWait(waitNr uint32) (int, error)
	// PeekBatchCQE fills cqes with up to len(cqes) available completions
	// and returns how many were filled.
	PeekBatchCQE(cqes []CQE) uint32
	// CQAdvance releases n completions back to the kernel after dispatch.
	CQAdvance(n uint32)
	// Close tears down the ring.
	Close()
}
