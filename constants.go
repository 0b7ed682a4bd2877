package reverseproxyd

// Defaults mirror internal/reactor.DefaultConfig's values, re-exported here
// so callers configuring a Proxy don't need to import the internal package.
const (
	DefaultInitialAccepts       = 8
	DefaultRingSize             = 512
	DefaultIOBufferCapacity     = 32 * 1024
	DefaultHeaderBufferCapacity = 8 * 1024
	DefaultSlabCapacity         = 4096
	DefaultListenBacklog        = 1024
)
