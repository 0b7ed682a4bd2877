// Package reverseproxyd implements an HTTP/1.1 reverse proxy built on a
// per-core io_uring reactor. Proxy is the main entry point: construct one
// with New, start its workers with Start, and stop them with Stop.
package reverseproxyd

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/behrlich/reverseproxyd/internal/interfaces"
	"github.com/behrlich/reverseproxyd/internal/logging"
	"github.com/behrlich/reverseproxyd/internal/reactor"
	"github.com/behrlich/reverseproxyd/internal/registry"
)

// Config configures every reactor worker a Proxy starts. All fields are
// advisory; the reactor tolerates any positive value and degrades
// gracefully under smaller ring sizes. Start from DefaultConfig.
type Config struct {
	InitialAccepts       int
	RingSize             uint32
	IOBufferCapacity     int
	HeaderBufferCapacity int
	SlabCapacity         int
	CompletionBatch      int
}

// DefaultConfig returns the proxy's default tuning values.
func DefaultConfig() Config {
	return Config{
		InitialAccepts:       DefaultInitialAccepts,
		RingSize:             DefaultRingSize,
		IOBufferCapacity:     DefaultIOBufferCapacity,
		HeaderBufferCapacity: DefaultHeaderBufferCapacity,
		SlabCapacity:         DefaultSlabCapacity,
		CompletionBatch:      512,
	}
}

func (c Config) toReactorConfig() reactor.Config {
	return reactor.Config{
		InitialAccepts:       c.InitialAccepts,
		RingSize:             c.RingSize,
		IOBufferCapacity:     c.IOBufferCapacity,
		HeaderBufferCapacity: c.HeaderBufferCapacity,
		SlabCapacity:         c.SlabCapacity,
		CompletionBatch:      c.CompletionBatch,
	}
}

// Listener pairs a pre-bound, non-blocking listening descriptor with the CPU
// its worker should be pinned to. Constructing the descriptor (SO_REUSEPORT,
// backlog, etc.) is the external collaborator's job, not the reactor's;
// cmd/reverseproxyd is where that happens in this repository.
type Listener struct {
	// FD is the listening socket descriptor, already bound and listening.
	FD int
	// CPU is the core this worker's goroutine is pinned to via
	// SchedSetaffinity. A negative value disables pinning.
	CPU int
}

// Options contains additional options for proxy creation.
type Options struct {
	// Context is the parent context for all workers (if nil, uses
	// context.Background()). Cancelling it has the same effect as Stop.
	Context context.Context
	// Logger receives reactor log lines (if nil, uses logging.Default()).
	Logger interfaces.Logger
}

// State describes where a Proxy is in its lifecycle.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Proxy owns one reactor worker per listener, each shared-nothing: its own
// ring, connection slab, and idle backend cache. Workers share only the
// process-wide backend registry.
type Proxy struct {
	listeners []Listener
	cfg       reactor.Config
	registry  *registry.Registry
	logger    interfaces.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	workers []*reactor.Worker
	wg      sync.WaitGroup
	runErrs []error
}

// New constructs a Proxy bound to the given listeners, using the
// process-wide backend registry (registry.Get panics if registry.Init has
// not been called first; backend-list management is a surface the running
// process configures before workers start).
//
// Example:
//
//	registry.Init([]registry.Backend{{Addr: addr}})
//	proxy, err := reverseproxyd.New([]reverseproxyd.Listener{{FD: lfd, CPU: 0}}, reverseproxyd.DefaultConfig(), nil)
func New(listeners []Listener, cfg Config, options *Options) (*Proxy, error) {
	if len(listeners) == 0 {
		return nil, NewError("New", CodeProgrammingError, "at least one listener is required")
	}
	for i, l := range listeners {
		if l.FD < 0 {
			return nil, NewError("New", CodeProgrammingError, fmt.Sprintf("listener %d has an invalid fd", i))
		}
	}

	if options == nil {
		options = &Options{}
	}

	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	p := &Proxy{
		listeners: append([]Listener(nil), listeners...),
		cfg:       cfg.toReactorConfig(),
		registry:  registry.Get(),
		logger:    logger,
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	return p, nil
}

// Start constructs a ring and worker per listener and launches one pinned
// goroutine per worker. If any ring fails to construct or prime, every
// worker started so far is torn down and the error is returned; Start
// leaves the Proxy unstarted in that case and may be retried.
func (p *Proxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return NewError("Start", CodeProgrammingError, "already started")
	}

	workers := make([]*reactor.Worker, 0, len(p.listeners))
	for i, l := range p.listeners {
		ring, err := reactor.NewGiouringRing(p.cfg.RingSize)
		if err != nil {
			closeWorkers(workers)
			return WrapError(fmt.Sprintf("Start: create ring for listener %d", i), CodeFatalConnect, err)
		}

		w := reactor.NewWorker(ring, l.FD, p.cfg, p.registry, p.logger)
		if err := w.Prime(); err != nil {
			w.Close()
			closeWorkers(workers)
			return WrapError(fmt.Sprintf("Start: prime worker %d", i), CodeIOTerminal, err)
		}
		workers = append(workers, w)
	}

	p.workers = workers
	p.runErrs = make([]error, len(workers))
	p.wg.Add(len(workers))
	for i, w := range workers {
		go p.runWorker(i, w, p.listeners[i].CPU)
	}
	p.started = true
	return nil
}

func closeWorkers(workers []*reactor.Worker) {
	for _, w := range workers {
		w.Close()
	}
}

// runWorker pins its goroutine to an OS thread (and, if cpu >= 0, to a
// specific core) before entering the worker's main loop.
func (p *Proxy) runWorker(idx int, w *reactor.Worker, cpu int) {
	defer p.wg.Done()
	defer w.Close()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if cpu >= 0 {
		var mask unix.CPUSet
		mask.Set(cpu)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			if p.logger != nil {
				p.logger.Warn("failed to set worker CPU affinity", "worker", idx, "cpu", cpu, "err", err)
			}
		} else if p.logger != nil {
			p.logger.Debugf("worker %d: pinned to CPU %d", idx, cpu)
		}
	}

	if err := w.Run(p.ctx); err != nil {
		p.runErrs[idx] = WrapError(fmt.Sprintf("worker %d", idx), CodeIOTerminal, err)
		if p.logger != nil {
			p.logger.Error("reactor worker exited with error", "worker", idx, "err", err)
		}
	}
}

// Stop cancels every worker's context and blocks until all worker goroutines
// have returned. Safe to call on a Proxy that was never started.
func (p *Proxy) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

// Wait blocks until every worker goroutine has returned, whether because
// Stop was called or a worker exited on a fatal ring error, then returns the
// combined worker errors (nil if none).
func (p *Proxy) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.runErrs...)
}

// State reports where the Proxy is in its lifecycle.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return StateCreated
	}
	select {
	case <-p.ctx.Done():
		return StateStopped
	default:
		return StateRunning
	}
}

// IsRunning reports whether the Proxy is currently serving connections.
func (p *Proxy) IsRunning() bool {
	return p.State() == StateRunning
}

// NumWorkers returns the number of reactor workers this Proxy manages, one
// per listener it was constructed with.
func (p *Proxy) NumWorkers() int {
	return len(p.listeners)
}
