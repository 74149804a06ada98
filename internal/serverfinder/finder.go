// Package serverfinder implements the master side of discovery: a search
// thread that periodically broadcasts the hello token on the UDP hello
// port, and a listen thread that accepts TCP presence connections on the
// main-server and batch-server presence ports and parses the
// ServerAvailable reply into a live server table, aging out entries that
// haven't re-announced recently.
//
// search_thread/listen_thread/start_accept/handle_accept/config_changed
// are ground-truthed against the original engine's EncodeServerFinder;
// the accept loop reuses the teacher's internal/server/server.go shape
// (Serve spawns acceptOnce in a loop, each accepted connection handled
// independently) applied to the presence ports instead of the main data
// port.
package serverfinder

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cth103/dcpomatic-sub004/internal/faultstore"
	"github.com/cth103/dcpomatic-sub004/internal/logging"
	"github.com/cth103/dcpomatic-sub004/internal/metrics"
	"github.com/cth103/dcpomatic-sub004/internal/socket"
	"github.com/cth103/dcpomatic-sub004/internal/wire"
)

const (
	searchInterval = 2 * time.Second
	staleAfter     = 10 * time.Second
)

// Known is one server the Finder currently believes is reachable.
type Known struct {
	Host     string
	Threads  int
	Version  int
	LastSeen time.Time
}

// Finder periodically broadcasts for servers and maintains a live table
// of who answered.
type Finder struct {
	mu     sync.RWMutex
	known  map[string]Known
	logger *slog.Logger
	faults *faultstore.Store
	batch  bool // listen on the batch presence port instead of the main one
	subs   []chan struct{}
}

// New constructs a Finder. batch selects which of the two presence ports
// to listen on, matching the master/batch-converter split in the wire
// protocol.
func New(batch bool) *Finder {
	return &Finder{
		known:  make(map[string]Known),
		logger: logging.L(),
		faults: &faultstore.Store{},
		batch:  batch,
	}
}

// Subscribe returns a channel that receives a (coalesced) notification
// each time the known-server set changes (a server is inserted, a known
// server re-announces with a different thread count, or a server is aged
// out), mirroring encodeconfig.Config.Subscribe so that a
// worker-pool rebuild can key off either source uniformly. The channel is
// buffered by 1 so a slow reader never blocks the finder; callers should
// drain it and re-call Servers rather than rely on receiving every
// individual change.
func (f *Finder) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch
}

func (f *Finder) notifyLocked() {
	for _, ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run starts the search and listen loops and blocks until ctx is
// cancelled.
func (f *Finder) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() {
		if err := f.searchThread(ctx); err != nil {
			errCh <- fmt.Errorf("search_thread: %w", err)
		}
	}()
	go func() {
		if err := f.listenThread(ctx); err != nil {
			errCh <- fmt.Errorf("listen_thread: %w", err)
		}
	}()
	go f.staleSweep(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		f.faults.Store(err)
		return err
	}
}

// searchThread broadcasts the hello token on an interval.
func (f *Finder) searchThread(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("search socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	broadcast := &net.UDPAddr{IP: net.IPv4bcast, Port: wire.HelloPort}
	ticker := time.NewTicker(searchInterval)
	defer ticker.Stop()
	for {
		if _, err := conn.WriteToUDP([]byte(wire.Hello), broadcast); err != nil {
			f.logger.Warn("hello_broadcast_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// listenThread accepts presence connections and records the servers that
// answer.
func (f *Finder) listenThread(ctx context.Context) error {
	port := wire.MainServerPresencePort
	if f.batch {
		port = wire.BatchServerPresencePort
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen presence: %w", err)
	}
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go f.handleAccept(conn)
	}
}

func (f *Finder) handleAccept(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	payload, err := socket.ReadFramed(conn, socket.MaxControlPayload)
	if err != nil {
		f.logger.Warn("presence_read_failed", "error", err)
		return
	}
	avail, err := wire.DecodeServerAvailable(payload)
	if err != nil {
		f.logger.Warn("presence_decode_failed", "error", err)
		return
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	f.mu.Lock()
	prev, existed := f.known[host]
	f.known[host] = Known{Host: host, Threads: avail.Threads, Version: avail.Version, LastSeen: time.Now()}
	count := len(f.known)
	if !existed || prev.Threads != avail.Threads {
		f.notifyLocked()
	}
	f.mu.Unlock()
	metrics.SetRemoteServersKnown(count)
}

// staleSweep removes servers that haven't re-announced within staleAfter.
func (f *Finder) staleSweep(ctx context.Context) {
	ticker := time.NewTicker(staleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		f.sweepStale(time.Now())
	}
}

// sweepStale removes servers last seen before now minus staleAfter,
// notifying subscribers once if any were removed.
func (f *Finder) sweepStale(now time.Time) {
	cutoff := now.Add(-staleAfter)
	f.mu.Lock()
	removed := false
	for host, k := range f.known {
		if k.LastSeen.Before(cutoff) {
			delete(f.known, host)
			removed = true
		}
	}
	count := len(f.known)
	if removed {
		f.notifyLocked()
	}
	f.mu.Unlock()
	metrics.SetRemoteServersKnown(count)
}

// Servers returns a snapshot of currently known servers.
func (f *Finder) Servers() []Known {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Known, 0, len(f.known))
	for _, k := range f.known {
		out = append(out, k)
	}
	return out
}

// LastFault returns and clears the most recently stored fault.
func (f *Finder) LastFault() error { return f.faults.Rethrow() }
