package registry

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(s string) Backend {
	return Backend{Addr: netip.MustParseAddrPort(s)}
}

func resetSingleton() {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	singleton = nil
	singletonSet = false
}

func TestRoundRobinDistributionAcrossBackends(t *testing.T) {
	r := New([]Backend{addr("127.0.0.1:1"), addr("127.0.0.1:2"), addr("127.0.0.1:3")})

	var got []netip.AddrPort
	for i := 0; i < 6; i++ {
		b, ok := r.Select()
		require.True(t, ok)
		got = append(got, b.Addr)
	}
	want := []string{"127.0.0.1:1", "127.0.0.1:2", "127.0.0.1:3", "127.0.0.1:1", "127.0.0.1:2", "127.0.0.1:3"}
	for i, w := range want {
		assert.Equal(t, w, got[i].String())
	}

	removed := r.Remove(addr("127.0.0.1:2"))
	assert.True(t, removed)

	var after []string
	for i := 0; i < 4; i++ {
		b, ok := r.Select()
		require.True(t, ok)
		after = append(after, b.Addr.String())
	}
	assert.Equal(t, []string{"127.0.0.1:1", "127.0.0.1:3", "127.0.0.1:1", "127.0.0.1:3"}, after)
}

func TestSelectOnEmptyReturnsSentinelNotFallback(t *testing.T) {
	r := New(nil)
	b, ok := r.Select()
	assert.False(t, ok)
	assert.Equal(t, Backend{}, b)
}

func TestSelectCounterMonotonicAcrossEmptySelections(t *testing.T) {
	r := New(nil)
	_, _ = r.Select()
	_, _ = r.Select()
	r.Add(addr("127.0.0.1:7"))
	r.Add(addr("127.0.0.1:8"))
	r.Add(addr("127.0.0.1:9"))
	// The two empty selections advanced the counter to 2, so the first
	// non-empty selection lands on index 2.
	b, ok := r.Select()
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:9", b.Addr.String())
}

func TestClearAndCount(t *testing.T) {
	r := New([]Backend{addr("127.0.0.1:1")})
	assert.Equal(t, 1, r.Count())
	r.Clear()
	assert.Equal(t, 0, r.Count())
	_, ok := r.Select()
	assert.False(t, ok)
}

func TestSingletonDoubleInitPanics(t *testing.T) {
	resetSingleton()
	defer resetSingleton()

	Init([]Backend{addr("127.0.0.1:1")})
	assert.Panics(t, func() {
		Init([]Backend{addr("127.0.0.1:2")})
	})
}

func TestSingletonGetBeforeInitPanics(t *testing.T) {
	resetSingleton()
	defer resetSingleton()

	assert.Panics(t, func() {
		Get()
	})
}
