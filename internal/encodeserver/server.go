// Package encodeserver implements the worker side of the engine: a
// process that listens for encode requests on EncodeFramePort, answers
// UDP hello broadcasts with a ServerAvailable reply on both presence
// ports, and runs a bounded worker pool against its request queue.
//
// Lifecycle, queue backpressure (2*workers) and per-request timing are
// ground-truthed against the original engine's EncodeServer
// (encode_server.cc: handle/worker_thread/process/broadcast_received).
// The accept-loop and RUNNING/TERMINATING shutdown shape reuses the
// teacher's internal/server/server.go (Serve/acceptOnce/Shutdown), since
// "accept connections, spawn per-connection handling, drain on shutdown"
// is the same problem whether the payload is CAN frames or encode
// requests.
package encodeserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cth103/dcpomatic-sub004/internal/faultstore"
	"github.com/cth103/dcpomatic-sub004/internal/logging"
	"github.com/cth103/dcpomatic-sub004/internal/metrics"
	"github.com/cth103/dcpomatic-sub004/internal/socket"
	"github.com/cth103/dcpomatic-sub004/internal/wire"
	"github.com/google/uuid"
)

// LocalEncodeFunc performs the actual J2K compression of one frame; the
// codec itself is out of scope (see SPEC_FULL.md §1), so the default is a
// pass-through stub and real deployments supply their own.
type LocalEncodeFunc func(req wire.EncodingRequest, raw []byte) ([]byte, error)

var defaultEncode LocalEncodeFunc = func(req wire.EncodingRequest, raw []byte) ([]byte, error) {
	return raw, nil
}

// state mirrors the original server's RUNNING/TERMINATING pair.
type state int32

const (
	stateRunning state = iota
	stateTerminating
)

// Server is the worker-side Encode Server.
type Server struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []net.Conn
	state    atomic.Int32
	verbose  bool
	threads  int
	logger   *slog.Logger
	encode   LocalEncodeFunc
	faults   *faultstore.Store
	id       uuid.UUID
	listener net.Listener
	helloConn *net.UDPConn
	wg       sync.WaitGroup

	framesEncoded atomic.Uint64
}

// Option configures a Server at construction.
type Option func(*Server)

func WithThreads(n int) Option { return func(s *Server) { if n > 0 { s.threads = n } } }
func WithVerbose(v bool) Option { return func(s *Server) { s.verbose = v } }
func WithLocalEncode(fn LocalEncodeFunc) Option {
	return func(s *Server) {
		if fn != nil {
			s.encode = fn
		}
	}
}
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Server. Without WithThreads it runs a single worker;
// callers pass their thread count (e.g. runtime.NumCPU()) explicitly via
// WithThreads to keep this package free of a runtime import for something
// the caller already knows.
func New(opts ...Option) *Server {
	s := &Server{
		threads: 1,
		logger:  logging.L(),
		encode:  defaultEncode,
		faults:  &faultstore.Store{},
		id:      uuid.New(),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run starts the worker pool, the frame-request listener and the UDP
// hello responder, blocking until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("encode_server_starting", "threads", s.threads, "id", s.id)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", wire.EncodeFramePort))
	if err != nil {
		return fmt.Errorf("encode_server: listen: %w", err)
	}
	s.listener = ln

	for i := 0; i < s.threads; i++ {
		s.wg.Add(1)
		go func(n int) {
			defer s.wg.Done()
			s.workerLoop(fmt.Sprintf("worker-%d", n))
		}(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.broadcastLoop(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("hello_listener_error", "error", err)
			s.faults.Store(err)
		}
	}()

	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return s.shutdown()
			default:
			}
			return err
		}
		s.handle(conn)
	}
}

// shutdown flips the server to TERMINATING, wakes every waiter and waits
// for workers and the hello listener to drain.
func (s *Server) shutdown() error {
	s.state.Store(int32(stateTerminating))
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
	if s.helloConn != nil {
		_ = s.helloConn.Close()
	}
	s.wg.Wait()
	return nil
}

// handle enqueues an accepted connection, blocking (the back-pressure
// rule) while the queue already holds 2x the worker count.
func (s *Server) handle(conn net.Conn) {
	s.mu.Lock()
	for len(s.queue) >= s.threads*2 && s.state.Load() == int32(stateRunning) {
		s.cond.Wait()
	}
	s.queue = append(s.queue, conn)
	metrics.SetEncodeServerQueueDepth(len(s.queue))
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Server) workerLoop(name string) {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && s.state.Load() == int32(stateRunning) {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.state.Load() == int32(stateTerminating) {
			s.mu.Unlock()
			return
		}
		conn := s.queue[0]
		s.queue = s.queue[1:]
		metrics.SetEncodeServerQueueDepth(len(s.queue))
		s.cond.Broadcast()
		s.mu.Unlock()

		start := time.Now()
		index, err := s.process(conn)
		elapsed := time.Since(start)
		_ = conn.Close()
		if err != nil {
			metrics.IncError(metrics.ErrEncode)
			s.logger.Error("process_failed", "worker", name, "error", err)
			continue
		}
		s.framesEncoded.Add(1)
		metrics.IncEncodeServerFramesEncoded()
		if s.verbose {
			s.logger.Info("frame_encoded", "worker", name, "frame", index, "elapsed", elapsed)
		}
	}
}

// process reads one EncodingRequest plus its raw payload (digest-checked),
// encodes it, and writes the result back digest-checked.
func (s *Server) process(conn net.Conn) (int64, error) {
	rds := socket.NewReadDigestScope(conn)
	reqBytes, err := socket.ReadFramed(rds, socket.MaxControlPayload)
	if err != nil {
		return -1, fmt.Errorf("read request: %w", err)
	}
	req, err := wire.DecodeEncodingRequest(reqBytes)
	if err != nil {
		return -1, err
	}
	if req.Version != wire.ServerLinkVersion {
		return -1, fmt.Errorf("mismatched server/client versions (got %d, want %d)", req.Version, wire.ServerLinkVersion)
	}
	raw, err := socket.ReadFramed(rds, socket.MaxFramePayload)
	if err != nil {
		return -1, fmt.Errorf("read payload: %w", err)
	}
	if err := rds.Check(); err != nil {
		return -1, err
	}

	encoded, err := s.encode(req, raw)
	if err != nil {
		return req.Index, fmt.Errorf("local encode: %w", err)
	}

	wds := socket.NewWriteDigestScope(conn)
	if err := socket.WriteFramed(wds, encoded); err != nil {
		return req.Index, fmt.Errorf("write result: %w", err)
	}
	if err := wds.Finish(); err != nil {
		return req.Index, fmt.Errorf("write digest: %w", err)
	}
	return req.Index, nil
}

// broadcastLoop listens on the UDP hello port and, on receiving the exact
// hello token, replies with a ServerAvailable over both presence ports.
func (s *Server) broadcastLoop(ctx context.Context) error {
	addr := &net.UDPAddr{Port: wire.HelloPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen hello: %w", err)
	}
	s.helloConn = conn
	buf := make([]byte, 1024)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if string(buf[:n]) != wire.Hello {
			continue
		}
		if s.verbose {
			s.logger.Info("offering_services", "to", from.IP.String())
		}
		avail := wire.ServerAvailable{Threads: s.threads, Version: wire.ServerLinkVersion}
		payload, err := avail.Encode()
		if err != nil {
			s.logger.Error("encode_server_available_failed", "error", err)
			continue
		}
		for _, port := range []int{wire.MainServerPresencePort, wire.BatchServerPresencePort} {
			s.replyPresence(from.IP, port, payload)
		}
	}
}

func (s *Server) replyPresence(ip net.IP, port int, payload []byte) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", ip.String(), port), 2*time.Second)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	_ = socket.WriteFramed(conn, payload)
}

// FramesEncoded returns the running count of frames this server has
// encoded.
func (s *Server) FramesEncoded() uint64 { return s.framesEncoded.Load() }

// LastFault returns and clears the most recently stored fault.
func (s *Server) LastFault() error { return s.faults.Rethrow() }
