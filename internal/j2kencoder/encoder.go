// Package j2kencoder implements the scheduler that sits between the
// Butler and the Writer: it accepts frames via Encode, fans them out to a
// pool of encoder threads (internal/encoderthread), retries frames that
// fail transiently, gives up on frames that don't, and writes finished
// artifacts through internal/writer in the order they complete (not the
// order they were submitted -- ordering is the Writer's job).
//
// Operations (Begin/Encode/End/pop/retry/Write/RemakeThreads) and their
// invariants (2*workers+1 back-pressure ceiling, the three pre-processing
// shortcuts, the GPU give-up policy, shutdown draining residual retries
// before returning) are ground-truthed against the original engine's
// encoder scheduler (j2k_encoder.cc/.h); the worker-pool bookkeeping is
// reshaped onto the teacher's hub.Hub add/remove/snapshot pattern
// (internal/hub/hub.go), since "rebuild worker set from a changed
// peer/server list" is the same shape as "rebuild client set from a
// changed connection list".
package j2kencoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cth103/dcpomatic-sub004/internal/asynctx"
	"github.com/cth103/dcpomatic-sub004/internal/dcpframe"
	"github.com/cth103/dcpomatic-sub004/internal/encodeconfig"
	"github.com/cth103/dcpomatic-sub004/internal/encoderthread"
	"github.com/cth103/dcpomatic-sub004/internal/faultstore"
	"github.com/cth103/dcpomatic-sub004/internal/logging"
	"github.com/cth103/dcpomatic-sub004/internal/metrics"
	"github.com/cth103/dcpomatic-sub004/internal/wire"
	"github.com/cth103/dcpomatic-sub004/internal/writer"
	"go.uber.org/multierr"
)

// writeQueueSize bounds how far the async write funnel may lag behind
// completed encodes before Submit starts invoking the drop hook.
const writeQueueSize = 64

// MaxRetries bounds how many times a single frame is retried before the
// encoder gives up on it and includes the failure in the error End returns.
const MaxRetries = 3

// ErrGPUGaveUp is returned by Encode once any GPU worker thread has
// reported an encode error. The original engine's retry() scans its GPU
// threads for errors() > 0 and sets a give-up flag checked at the top of
// the next encode() call; it does not wait for that thread to be
// replaced before refusing further work.
var ErrGPUGaveUp = errors.New("j2kencoder: a gpu thread reported an error, refusing new work until the pool is remade")

// ErrTerminated is returned by Encode once End has been called.
var ErrTerminated = errors.New("j2kencoder: encoder terminated")

// ThreadSpec describes one worker thread to run, keyed by Name so
// RemakeThreads can diff a changed set against the currently-running one.
type ThreadSpec struct {
	Name   string
	Kind   encoderthread.Kind
	Encode encoderthread.EncodeFunc
}

// Factories supplies the EncodeFunc for each kind of worker
// BuildThreadSpecs may need to create. Remote is a constructor because
// each remote thread needs to be bound to its own server.
type Factories struct {
	CPU    encoderthread.EncodeFunc
	GPU    encoderthread.EncodeFunc
	Remote func(server encodeconfig.Server) encoderthread.EncodeFunc
}

// DesiredThreadCounts derives the local CPU/GPU worker counts from cfg,
// mirroring J2KEncoder::servers_list_changed()'s remake_threads policy:
// a master that has been told every frame goes to a remote server
// (OnlyServersEncode) runs no local threads at all; otherwise it runs
// MasterEncoderThreads threads, all GPU if UseGPU, all CPU otherwise.
func DesiredThreadCounts(cfg encodeconfig.Snapshot) (cpu, gpu int) {
	if cfg.OnlyServersEncode {
		return 0, 0
	}
	if cfg.UseGPU {
		return 0, cfg.MasterEncoderThreads
	}
	return cfg.MasterEncoderThreads, 0
}

// BuildThreadSpecs builds the full worker set for cfg: local cpu/gpu
// threads per DesiredThreadCounts, plus one remote thread per thread slot
// a live, protocol-matching server reports, filtered to ExplicitServers
// when UseAnyServers is false. If the three-way sum of cpu, gpu and
// matched server count would otherwise be zero, one CPU thread is forced
// -- matching the original's "if (cpu+gpu+servers.size()==0) ++cpu".
func BuildThreadSpecs(cfg encodeconfig.Snapshot, factories Factories) []ThreadSpec {
	cpu, gpu := DesiredThreadCounts(cfg)

	allowed := make(map[string]bool, len(cfg.ExplicitServers))
	for _, h := range cfg.ExplicitServers {
		allowed[h] = true
	}

	var specs []ThreadSpec
	matchedServers := 0
	for _, s := range cfg.Servers {
		if s.Version != wire.ServerLinkVersion {
			continue
		}
		if !cfg.UseAnyServers && !allowed[s.HostName] {
			continue
		}
		matchedServers++
		server := s
		for i := 0; i < s.Threads; i++ {
			specs = append(specs, ThreadSpec{
				Name:   fmt.Sprintf("remote-%s-%d", s.HostName, i),
				Kind:   encoderthread.KindRemote,
				Encode: factories.Remote(server),
			})
		}
	}

	if cpu+gpu+matchedServers == 0 {
		cpu = 1
	}

	for i := 0; i < cpu; i++ {
		specs = append(specs, ThreadSpec{Name: fmt.Sprintf("cpu-%d", i), Kind: encoderthread.KindCPU, Encode: factories.CPU})
	}
	for i := 0; i < gpu; i++ {
		specs = append(specs, ThreadSpec{Name: fmt.Sprintf("gpu-%d", i), Kind: encoderthread.KindGPU, Encode: factories.GPU})
	}
	return specs
}

type workerSlot struct {
	queue  chan dcpframe.Frame
	cancel context.CancelFunc
	thread *encoderthread.Thread
}

// Option configures an Encoder at construction time.
type Option func(*Encoder)

// WithFallbackEncode supplies the encode function End's shutdown mop-up
// uses to synchronously re-encode a frame that raced back onto the queue
// after the drain wait exited but before the pool was terminated. Without
// one, a residual frame with no pre-encoded bytes is reported as an error
// rather than silently dropped.
func WithFallbackEncode(fn encoderthread.EncodeFunc) Option {
	return func(e *Encoder) { e.fallbackEncode = fn }
}

// Encoder is the J2K Encoder scheduler.
type Encoder struct {
	mu         sync.Mutex
	cond       *sync.Cond
	writer     writer.Writer
	workers    map[string]*workerSlot
	wg         sync.WaitGroup
	pending    []dcpframe.Frame
	inFlight   int
	retries    map[int64]int
	giveUpErrs []error
	faults     *faultstore.Store
	logger     *slog.Logger
	terminated bool
	writable   bool
	asyncW     *asynctx.AsyncWriter

	lastRaw map[dcpframe.Eye]*dcpframe.RawImage

	fallbackEncode encoderthread.EncodeFunc
}

// New constructs an Encoder writing finished frames to w. Writes are
// funneled through a single asynctx.AsyncWriter goroutine so a slow
// Writer never blocks an encoder thread's result path.
func New(w writer.Writer, opts ...Option) *Encoder {
	e := &Encoder{
		writer:   w,
		workers:  make(map[string]*workerSlot),
		retries:  make(map[int64]int),
		faults:   &faultstore.Store{},
		logger:   logging.L(),
		writable: true,
		lastRaw:  make(map[dcpframe.Eye]*dcpframe.RawImage),
	}
	e.cond = sync.NewCond(&e.mu)
	for _, opt := range opts {
		opt(e)
	}
	e.asyncW = asynctx.New(context.Background(), writeQueueSize, w.Write, asynctx.Hooks{
		OnError: func(a dcpframe.EncodedArtifact, err error) {
			e.faults.Store(fmt.Errorf("j2kencoder: write failed for frame %d: %w", a.Index, err))
		},
		OnAfter: func(a dcpframe.EncodedArtifact) { e.pop() },
		OnDrop: func(a dcpframe.EncodedArtifact) error {
			e.faults.Store(fmt.Errorf("j2kencoder: write queue full, dropped frame %d", a.Index))
			return fmt.Errorf("j2kencoder: write queue full")
		},
	})
	return e
}

// backpressureCeiling is 2*workers+1, matching the original scheduler's
// "don't let the Butler get more than two rounds ahead of the pool" rule.
func (e *Encoder) backpressureCeiling() int {
	n := len(e.workers)
	if n == 0 {
		n = 1
	}
	return 2*n + 1
}

// Begin starts the worker pool from specs. Call once before Encode.
func (e *Encoder) Begin(ctx context.Context, specs []ThreadSpec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addWorkersLocked(ctx, specs)
}

func (e *Encoder) addWorkersLocked(ctx context.Context, specs []ThreadSpec) {
	for _, spec := range specs {
		if _, exists := e.workers[spec.Name]; exists {
			continue
		}
		tctx, cancel := context.WithCancel(ctx)
		queue := make(chan dcpframe.Frame, 4)
		th := encoderthread.NewThread(spec.Kind, spec.Name, spec.Encode, queue)
		th.Logger = e.logger
		th.OnResult = e.onResult
		th.OnError = e.onError
		slot := &workerSlot{queue: queue, cancel: cancel, thread: th}
		e.workers[spec.Name] = slot
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			th.Run(tctx)
		}()
	}
	e.writer.SetEncoderThreads(len(e.workers))
	metrics.SetActiveThreads("total", len(e.workers))
}

// RemakeThreads reconciles the running pool against specs: workers named
// in specs but not running are started; workers running but not named in
// specs are stopped and removed, and any frame still sitting in their
// queue (not yet picked up) is re-enqueued for whatever pool remains.
// This mirrors servers_list_changed driving a pool rebuild from a changed
// peer set.
func (e *Encoder) RemakeThreads(ctx context.Context, specs []ThreadSpec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wanted := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		wanted[s.Name] = struct{}{}
	}
	for name, slot := range e.workers {
		if _, ok := wanted[name]; ok {
			continue
		}
		slot.cancel()
		delete(e.workers, name)
		drain := true
		for drain {
			select {
			case f := <-slot.queue:
				e.pending = append(e.pending, f)
				e.inFlight--
			default:
				drain = false
			}
		}
	}
	e.addWorkersLocked(ctx, specs)
	e.cond.Broadcast()
}

// gpuGaveUp reports whether any running GPU worker has recorded an
// encode error, using a non-blocking lock attempt so a caller already
// holding e.mu (there is none today, but this mirrors the original's
// try_to_lock on _threads_mutex) can never deadlock against it.
func (e *Encoder) gpuGaveUp() bool {
	if !e.mu.TryLock() {
		return false
	}
	defer e.mu.Unlock()
	for _, slot := range e.workers {
		if slot.thread.Kind == encoderthread.KindGPU && slot.thread.Errors() > 0 {
			return true
		}
	}
	return false
}

func (e *Encoder) recordLastRaw(f dcpframe.Frame) {
	if f.Raw == nil {
		return
	}
	e.mu.Lock()
	e.lastRaw[f.Eye] = f.Raw
	e.mu.Unlock()
}

// sameAsLastRaw reports whether f.Raw is identical (format, dimensions
// and bytes) to the last raw frame recorded for f.Eye, the condition
// that makes the Repeat shortcut valid instead of just permitted.
func (e *Encoder) sameAsLastRaw(f dcpframe.Frame) bool {
	if f.Raw == nil {
		return false
	}
	e.mu.Lock()
	last := e.lastRaw[f.Eye]
	e.mu.Unlock()
	if last == nil {
		return false
	}
	return last.Format == f.Raw.Format &&
		last.Width == f.Raw.Width &&
		last.Height == f.Raw.Height &&
		bytes.Equal(last.Data, f.Raw.Data)
}

// Encode submits a frame for encoding. It applies, in order, the three
// pre-processing shortcuts from spec.md §4.F before ever touching a
// worker: a frame the Writer already has (recovered from a previous run,
// or a stray duplicate) is fake-written; a frame that arrives already
// carrying encoded bytes and isn't asked to be re-encoded is written
// directly; a frame identical to the last one on its eye is repeated
// without re-encoding. Only a frame that survives all three is enqueued,
// blocking while the backlog is at its back-pressure ceiling so the
// Butler cannot run arbitrarily far ahead of the worker pool.
func (e *Encoder) Encode(f dcpframe.Frame) error {
	if e.gpuGaveUp() {
		return ErrGPUGaveUp
	}

	if e.writer.CanFakeWrite(f.Index, f.Eye) {
		if err := e.writer.FakeWrite(f.Index, f.Eye); err != nil {
			return err
		}
		e.recordLastRaw(f)
		return nil
	}

	if len(f.Encoded) > 0 && !f.Reencode {
		if err := e.writer.Write(dcpframe.EncodedArtifact{Index: f.Index, Eye: f.Eye, Data: f.Encoded}); err != nil {
			return err
		}
		e.recordLastRaw(f)
		return nil
	}

	if e.writer.CanRepeat(f.Index, f.Eye) && e.sameAsLastRaw(f) {
		return e.writer.Repeat(f.Index, f.Eye)
	}

	e.mu.Lock()
	for len(e.pending) >= e.backpressureCeiling() && !e.terminated {
		e.cond.Wait()
	}
	if e.terminated {
		e.mu.Unlock()
		return ErrTerminated
	}
	e.pending = append(e.pending, f)
	metrics.SetEncoderQueueDepth(len(e.pending))
	e.mu.Unlock()
	e.recordLastRaw(f)
	e.pop()
	return nil
}

// pop dispatches as many pending frames as there is idle worker capacity
// for. A worker has capacity when its queue isn't full; pop never blocks.
func (e *Encoder) pop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < len(e.pending); {
		f := e.pending[i]
		dispatched := false
		for _, slot := range e.workers {
			select {
			case slot.queue <- f:
				dispatched = true
			default:
				continue
			}
			if dispatched {
				break
			}
		}
		if dispatched {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			e.inFlight++
			continue
		}
		i++
	}
	metrics.SetEncoderQueueDepth(len(e.pending))
	e.cond.Broadcast()
}

func (e *Encoder) onResult(a dcpframe.EncodedArtifact) {
	e.mu.Lock()
	delete(e.retries, a.Index)
	e.inFlight--
	writable := e.writable
	e.cond.Broadcast()
	e.mu.Unlock()
	if !writable {
		// The scheduler has begun shutting down; a worker that was
		// already mid-encode can still land here. Drop the result
		// rather than writing into a Writer that may itself be
		// closing.
		return
	}
	if err := e.asyncW.Submit(a); err != nil {
		e.faults.Store(fmt.Errorf("j2kencoder: submit write failed: %w", err))
	}
	// pop() also runs from the AsyncWriter's OnAfter hook once the write
	// actually lands; calling it here too keeps the queue moving even
	// while a write is still in flight.
	e.pop()
}

// onError implements retry: a frame is resubmitted up to MaxRetries times
// before the scheduler gives up on it.
func (e *Encoder) onError(f dcpframe.Frame, err error) {
	e.mu.Lock()
	e.retries[f.Index]++
	n := e.retries[f.Index]
	e.inFlight--
	if n > MaxRetries {
		delete(e.retries, f.Index)
		e.giveUpErrs = append(e.giveUpErrs, fmt.Errorf("frame %d: %w", f.Index, err))
		e.cond.Broadcast()
		e.mu.Unlock()
		metrics.IncFramesGivenUp()
		e.logger.Error("frame_given_up", "frame", f.Index, "error", err)
		e.pop()
		return
	}
	e.pending = append(e.pending, f)
	e.cond.Broadcast()
	e.mu.Unlock()
	e.pop()
}

// End stops accepting new work, waits for every pending and in-flight
// frame to genuinely finish, then synchronously re-encodes and writes any
// frame that still raced back onto the queue in the narrow window between
// that wait exiting and the pool actually stopping, before returning the
// combined error from every frame ultimately given up on. After End
// returns, the Encoder must not be reused.
func (e *Encoder) End(ctx context.Context) error {
	e.mu.Lock()
	e.terminated = true
	e.cond.Broadcast()
	e.mu.Unlock()

	// sync.Cond has no native context support; a watcher goroutine turns
	// ctx cancellation into a broadcast so the wait loop below can still
	// re-check ctx.Err() and give up waiting.
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.cond.Broadcast()
			e.mu.Unlock()
		case <-stopWatch:
		}
	}()

	e.mu.Lock()
	for (len(e.pending) > 0 || e.inFlight > 0) && ctx.Err() == nil {
		e.cond.Wait()
	}
	workers := make([]*workerSlot, 0, len(e.workers))
	for _, slot := range e.workers {
		workers = append(workers, slot)
	}
	e.mu.Unlock()
	close(stopWatch)

	// Zombify before terminating the pool so any worker parked inside a
	// blocking Writer.Write call (e.g. ctx expired above with work still
	// outstanding) is unblocked rather than left to deadlock the join
	// below, mirroring the original's destructor zombify-then-join order.
	e.writer.Zombify()

	for _, slot := range workers {
		slot.cancel()
	}
	e.wg.Wait()

	var combined error
	if err := e.writer.Rethrow(); err != nil {
		combined = multierr.Append(combined, err)
	}
	if err := e.faults.Rethrow(); err != nil {
		combined = multierr.Append(combined, err)
	}

	e.mu.Lock()
	residual := e.pending
	e.pending = nil
	giveUps := e.giveUpErrs
	e.giveUpErrs = nil
	e.writable = false
	e.mu.Unlock()

	// Mop-up: a worker can take the last item off the queue just as the
	// drain wait above exits, fail, and retry (push back onto pending)
	// before being cancelled. Re-encode and write any such frame here,
	// synchronously, one at a time, rather than abandon it.
	for _, f := range residual {
		if err := e.mopUp(ctx, f); err != nil {
			combined = multierr.Append(combined, fmt.Errorf("frame %d: %w", f.Index, err))
			e.logger.Error("frame_mopup_failed", "frame", f.Index, "error", err)
		}
	}

	for _, err := range giveUps {
		combined = multierr.Append(combined, err)
	}
	e.asyncW.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		combined = multierr.Append(combined, ctxErr)
	}
	return combined
}

// mopUp resolves one residual frame at End time without going through a
// worker: a frame that already carries encoded bytes is written as-is;
// otherwise it falls back to e.fallbackEncode, if one was supplied via
// WithFallbackEncode.
func (e *Encoder) mopUp(ctx context.Context, f dcpframe.Frame) error {
	if len(f.Encoded) > 0 && !f.Reencode {
		return e.writer.Write(dcpframe.EncodedArtifact{Index: f.Index, Eye: f.Eye, Data: f.Encoded})
	}
	if e.fallbackEncode == nil {
		return fmt.Errorf("no fallback encode available to mop up a residual frame")
	}
	a, err := e.fallbackEncode(ctx, f)
	if err != nil {
		return err
	}
	return e.writer.Write(a)
}

// LastFault returns and clears the most recently stored internal fault
// (e.g. a Writer error), independent of the give-up error list returned
// by End.
func (e *Encoder) LastFault() error { return e.faults.Rethrow() }
