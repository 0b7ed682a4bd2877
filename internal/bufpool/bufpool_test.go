package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsExactCapacity(t *testing.T) {
	p := New(4096)
	buf := p.Get()
	require.Len(t, buf, 4096)
	assert.Equal(t, 4096, cap(buf))
}

func TestPutGetRoundTrip(t *testing.T) {
	p := New(1024)
	buf := p.Get()
	buf[0] = 0xAB
	p.Put(buf)

	again := p.Get()
	require.Len(t, again, 1024)
}

func TestPutWrongCapacityDropped(t *testing.T) {
	p := New(1024)
	wrongSize := make([]byte, 512)
	p.Put(wrongSize) // must not panic, must not pollute the pool
	got := p.Get()
	assert.Len(t, got, 1024)
}
