package tag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct {
		id  uint64
		op  OpCode
		dir Direction
	}{
		{0, OpAccept, ClientToBackend},
		{1, OpRecvHeaders, ClientToBackend},
		{42, OpConnectBackend, ClientToBackend},
		{4095, OpRecv, ClientToBackend},
		{4095, OpRecv, BackendToClient},
		{4095, OpSend, BackendToClient},
		{MaxID, OpTimeout, BackendToClient},
	}

	for _, c := range cases {
		packed := Pack(c.id, c.op, c.dir)
		gotID, gotOp, gotDir := Unpack(packed)
		assert.Equal(t, c.id, gotID)
		assert.Equal(t, c.op, gotOp)
		assert.Equal(t, c.dir, gotDir)
	}
}

func TestDirectionDoesNotLeakIntoOpcode(t *testing.T) {
	a := Pack(7, OpRecv, ClientToBackend)
	b := Pack(7, OpRecv, BackendToClient)
	assert.NotEqual(t, a, b)

	_, opA, dirA := Unpack(a)
	_, opB, dirB := Unpack(b)
	assert.Equal(t, opA, opB)
	assert.NotEqual(t, dirA, dirB)
}

func TestMaxIDFitsInField(t *testing.T) {
	packed := Pack(MaxID, OpSend, BackendToClient)
	id, op, dir := Unpack(packed)
	assert.Equal(t, MaxID, id)
	assert.Equal(t, OpSend, op)
	assert.Equal(t, BackendToClient, dir)
}
