// Command reverseproxyd runs an HTTP/1.1 reverse proxy: one reactor worker
// per CPU, each with its own SO_REUSEPORT listener, sharing a single
// process-wide backend registry.
//
// Process startup, listener construction, logging configuration, and CLI
// parsing are the external collaborator concerns the reactor itself has no
// business knowing about; this file is where they live.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	reverseproxyd "github.com/behrlich/reverseproxyd"
	"github.com/behrlich/reverseproxyd/internal/logging"
	"github.com/behrlich/reverseproxyd/internal/registry"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "registry" {
		runRegistry(os.Args[2:])
		return
	}
	runServe(os.Args[1:])
}

// backendList accumulates repeated -backend flags.
type backendList []string

func (b *backendList) String() string { return strings.Join(*b, ",") }
func (b *backendList) Set(v string) error {
	*b = append(*b, v)
	return nil
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listenAddr := fs.String("listen", "0.0.0.0:8080", "address:port to listen on")
	workers := fs.Int("workers", runtime.NumCPU(), "number of reactor workers (one SO_REUSEPORT listener + pinned goroutine each)")
	verbose := fs.Bool("v", false, "verbose logging")
	var backends backendList
	fs.Var(&backends, "backend", "backend address:port; repeat for multiple backends")
	initialAccepts := fs.Int("initial-accepts", reverseproxyd.DefaultInitialAccepts, "initial accept operations submitted per worker")
	ringSize := fs.Uint("ring-size", reverseproxyd.DefaultRingSize, "io_uring submission/completion queue depth")
	ioBuffer := fs.Int("io-buffer", reverseproxyd.DefaultIOBufferCapacity, "per-direction pump buffer capacity in bytes")
	headerBuffer := fs.Int("header-buffer", reverseproxyd.DefaultHeaderBufferCapacity, "header peek buffer capacity in bytes")
	slabCapacity := fs.Int("slab-capacity", reverseproxyd.DefaultSlabCapacity, "initial connection slab capacity hint")
	fs.Parse(args)

	if len(backends) == 0 {
		fmt.Fprintln(os.Stderr, "reverseproxyd: at least one -backend is required")
		fs.Usage()
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	var initial []registry.Backend
	for _, b := range backends {
		addr, err := netip.ParseAddrPort(b)
		if err != nil {
			logger.Error("invalid backend address", "addr", b, "err", err)
			os.Exit(1)
		}
		initial = append(initial, registry.Backend{Addr: addr})
	}
	registry.Init(initial)

	addr, err := parseListenAddr(*listenAddr)
	if err != nil {
		logger.Error("invalid listen address", "addr", *listenAddr, "err", err)
		os.Exit(1)
	}

	n := *workers
	if n <= 0 {
		n = 1
	}
	numCPU := runtime.NumCPU()

	listeners := make([]reverseproxyd.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd, err := makeReuseportListener(addr)
		if err != nil {
			for _, l := range listeners {
				unix.Close(l.FD)
			}
			logger.Error("failed to create listener", "worker", i, "err", err)
			os.Exit(1)
		}
		listeners = append(listeners, reverseproxyd.Listener{FD: fd, CPU: i % numCPU})
	}

	cfg := reverseproxyd.Config{
		InitialAccepts:       *initialAccepts,
		RingSize:             uint32(*ringSize),
		IOBufferCapacity:     *ioBuffer,
		HeaderBufferCapacity: *headerBuffer,
		SlabCapacity:         *slabCapacity,
		CompletionBatch:      512,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proxy, err := reverseproxyd.New(listeners, cfg, &reverseproxyd.Options{Context: ctx, Logger: logger})
	if err != nil {
		logger.Error("failed to construct proxy", "err", err)
		os.Exit(1)
	}

	if err := proxy.Start(); err != nil {
		logger.Error("failed to start proxy", "err", err)
		os.Exit(1)
	}

	logger.Info("reverseproxyd listening", "addr", addr.String(), "workers", n, "backends", len(initial))
	fmt.Printf("reverseproxyd listening on %s with %d worker(s)\n", addr, n)
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	// SIGUSR1 stack-dump handler, grounded on cmd/ublk-mem/main.go's
	// diagnostic dump.
	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			dumpStacks(logger)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	stopDone := make(chan struct{})
	go func() {
		proxy.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		logger.Info("proxy stopped cleanly")
	case <-time.After(2 * time.Second):
		logger.Info("shutdown timeout, forcing exit")
	}
}

func dumpStacks(logger *logging.Logger) {
	logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

	filename := fmt.Sprintf("reverseproxyd-stacks-%d.txt", time.Now().Unix())
	f, err := os.Create(filename)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "Goroutine stack dump\nProcess ID: %d\n\n", os.Getpid())
	f.Write(buf[:n])
	fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
	pprof.Lookup("goroutine").WriteTo(f, 2)
	logger.Info("stack trace written to file", "file", filename)
}

// parseListenAddr accepts both a fully-specified "host:port" and the bare
// ":port" shorthand (which netip.ParseAddrPort rejects outright).
func parseListenAddr(s string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if host == "" {
		host = "0.0.0.0"
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ip, uint16(port)), nil
}

// makeReuseportListener builds a non-blocking SO_REUSEADDR+SO_REUSEPORT TCP
// listener, grounded on original_source/src/core/socket.rs's
// make_reuseport_listener: each worker gets its own listener bound to the
// same address, and the kernel load-balances accepted connections across
// them.
func makeReuseportListener(addr netip.AddrPort) (int, error) {
	family := unix.AF_INET
	if addr.Addr().Is6() {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}

	if family == unix.AF_INET {
		sa := &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return -1, err
		}
	} else {
		sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}

	if err := unix.Listen(fd, reverseproxyd.DefaultListenBacklog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// runRegistry is the registry management CLI: list, add, remove, and clear
// subcommands operating directly against the backend registry. It processes
// its arguments as a sequence of subcommands within one process run. The
// registry carries no persisted state, so these operations only make sense
// within a single invocation, not as a live control plane for an
// already-running server.
func runRegistry(args []string) {
	reg := registry.Init(nil)

	i := 0
	for i < len(args) {
		cmd := args[i]
		i++

		switch cmd {
		case "add":
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "registry add requires an address")
				os.Exit(1)
			}
			addr, err := netip.ParseAddrPort(args[i])
			i++
			if err != nil {
				fmt.Fprintf(os.Stderr, "registry add: invalid address %q: %v\n", args[i-1], err)
				os.Exit(1)
			}
			reg.Add(registry.Backend{Addr: addr})
			fmt.Printf("added %s\n", addr)

		case "remove":
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "registry remove requires an address")
				os.Exit(1)
			}
			addr, err := netip.ParseAddrPort(args[i])
			i++
			if err != nil {
				fmt.Fprintf(os.Stderr, "registry remove: invalid address %q: %v\n", args[i-1], err)
				os.Exit(1)
			}
			removed := reg.Remove(registry.Backend{Addr: addr})
			fmt.Printf("removed %s: %v\n", addr, removed)

		case "list":
			list := reg.List()
			fmt.Printf("backends (%d):\n", len(list))
			for _, b := range list {
				fmt.Printf("  %s\n", b.Addr)
			}

		case "select":
			b, ok := reg.Select()
			if ok {
				fmt.Printf("selected %s\n", b.Addr)
			} else {
				fmt.Println("no backends available")
			}

		case "clear":
			reg.Clear()
			fmt.Println("cleared")

		default:
			fmt.Fprintf(os.Stderr, "unknown registry subcommand: %s\n", cmd)
			fmt.Fprintln(os.Stderr, "usage: reverseproxyd registry [add <addr>|remove <addr>|list|select|clear]...")
			os.Exit(1)
		}
	}
}
