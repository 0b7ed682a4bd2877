package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocGrowsThenReusesFreeList(t *testing.T) {
	s := New(nil, 8192, 32768, 0)

	id0 := s.Alloc()
	id1 := s.Alloc()
	assert.NotEqual(t, id0, id1)
	assert.Equal(t, 2, s.Len())

	s.EnsureSlot(id0, 5)
	s.Teardown(id0)
	assert.Equal(t, 1, s.FreeCount())

	id2 := s.Alloc()
	assert.Equal(t, id0, id2, "freed id must be reused before growing")
	assert.Equal(t, 2, s.Len())
}

func TestLiveAndFreeSetsAreDisjointInvariant2(t *testing.T) {
	s := New(nil, 8192, 32768, 0)
	var live []uint64
	for i := 0; i < 5; i++ {
		id := s.Alloc()
		s.EnsureSlot(id, 10+i)
		live = append(live, id)
	}

	// tear down two of them
	s.Teardown(live[1])
	s.Teardown(live[3])

	for _, id := range live {
		_, occupied := s.Get(id)
		freed := id == live[1] || id == live[3]
		assert.Equal(t, !freed, occupied)
	}
}

func TestGetOnFreedIDIsAbsent(t *testing.T) {
	s := New(nil, 8192, 32768, 0)
	id := s.Alloc()
	s.EnsureSlot(id, 7)
	s.Teardown(id)

	_, ok := s.Get(id)
	assert.False(t, ok, "completion referencing a torn-down id must look up as stale")
}

func TestEnsureSlotResetsRecordFields(t *testing.T) {
	s := New(nil, 8192, 32768, 0)
	id := s.Alloc()
	rec := s.EnsureSlot(id, 3)
	rec.HadError = true
	rec.HasBackendAddr = true

	s.Teardown(id)
	id2 := s.Alloc()
	rec2 := s.EnsureSlot(id2, 9)

	require.Equal(t, id, id2)
	assert.False(t, rec2.HadError)
	assert.False(t, rec2.HasBackendAddr)
	assert.Equal(t, 9, rec2.ClientFD)
}

func TestRecycleSlotOnlyFreesID(t *testing.T) {
	s := New(nil, 8192, 32768, 0)
	id := s.Alloc()
	s.EnsureSlot(id, 11)
	s.RecycleSlotOnly(id)

	assert.Equal(t, 1, s.FreeCount())
	_, ok := s.Get(id)
	assert.False(t, ok)

	// the id must be reusable, unlike the source's recycle_slot_only which
	// leaks it forever.
	reused := s.Alloc()
	assert.Equal(t, id, reused)
}
