package reactor

// Config is the configuration record a worker is started with. All fields
// are advisory; the reactor tolerates any positive value.
type Config struct {
	InitialAccepts       int
	RingSize             uint32
	IOBufferCapacity     int
	HeaderBufferCapacity int
	SlabCapacity         int
	// CompletionBatch bounds how many completions are drained from the
	// ring in one pass of the main loop.
	CompletionBatch int
}

// DefaultConfig returns the reactor's default tuning values.
func DefaultConfig() Config {
	return Config{
		InitialAccepts:       8,
		RingSize:             512,
		IOBufferCapacity:     32 * 1024,
		HeaderBufferCapacity: 8 * 1024,
		SlabCapacity:         4096,
		CompletionBatch:      512,
	}
}
