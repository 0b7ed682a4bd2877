// Package backendcache implements the per-worker idle backend connection
// cache: a map from backend address to a bounded queue of idle, known-healthy
// file descriptors eligible for keep-alive reuse. Never shared across
// workers, so no synchronization is needed.
package backendcache

import (
	"net/netip"

	"github.com/behrlich/reverseproxyd/internal/interfaces"
)

// MaxCached bounds how many idle descriptors are retained per backend
// address. A return beyond this bound closes the descriptor immediately
// rather than growing the queue unboundedly.
const MaxCached = 200

// Cache is a worker-local idle backend connection pool.
type Cache struct {
	logger interfaces.Logger
	byAddr map[netip.AddrPort][]int
}

// New constructs an empty cache.
func New(logger interfaces.Logger) *Cache {
	return &Cache{logger: logger, byAddr: make(map[netip.AddrPort][]int)}
}

// Borrow removes and returns the front idle descriptor for addr, if any.
func (c *Cache) Borrow(addr netip.AddrPort) (fd int, ok bool) {
	q := c.byAddr[addr]
	if len(q) == 0 {
		return -1, false
	}
	fd = q[0]
	c.byAddr[addr] = q[1:]
	return fd, true
}

// Return pushes fd onto addr's idle queue if it has room, otherwise closes
// fd immediately. closeFn performs the actual close (routed through the
// shared quiet-close helper by callers).
func (c *Cache) Return(addr netip.AddrPort, fd int, closeFn func(fd int)) {
	q := c.byAddr[addr]
	if len(q) >= MaxCached {
		closeFn(fd)
		return
	}
	c.byAddr[addr] = append(q, fd)
}

// Len reports how many idle descriptors are cached for addr (test/introspection only).
func (c *Cache) Len(addr netip.AddrPort) int {
	return len(c.byAddr[addr])
}
