// Package encoderthread implements the three kinds of worker thread the
// J2K Encoder schedules frames onto: CPU (encode_locally, in-process),
// GPU (routed through the offload messenger, with one silent retry) and
// Remote (sent to an Encode Server over the network, retried forever with
// a linear backoff).
//
// All three share the same pull-from-queue, push-result, store-fault
// shape as the teacher's backend RX loops
// (cmd/can-server/backend_serial.go, backend_socketcan.go): open/attach a
// resource, loop { read-or-pop, handle, on error store+backoff }.
package encoderthread

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cth103/dcpomatic-sub004/internal/dcpframe"
	"github.com/cth103/dcpomatic-sub004/internal/faultstore"
	"github.com/cth103/dcpomatic-sub004/internal/metrics"
	"go.uber.org/atomic"
)

// Kind identifies which concrete strategy a Thread runs.
type Kind string

const (
	KindCPU    Kind = "cpu"
	KindGPU    Kind = "gpu"
	KindRemote Kind = "remote"
)

// EncodeFunc performs the actual encode of one frame. For CPU threads
// this runs in-process; for GPU threads it talks to the offload
// messenger; for Remote threads it round-trips to an Encode Server.
type EncodeFunc func(ctx context.Context, f dcpframe.Frame) (dcpframe.EncodedArtifact, error)

// Thread pulls frames off a shared queue and encodes them until the queue
// is closed or its context is cancelled.
type Thread struct {
	Kind    Kind
	Name    string
	Encode  EncodeFunc
	Queue   <-chan dcpframe.Frame
	OnResult func(dcpframe.EncodedArtifact)
	OnError  func(dcpframe.Frame, error)
	Faults   *faultstore.Store
	Logger   *slog.Logger

	backoff  *linearBackOff
	gpuErrors atomic.Int64
}

// Errors reports how many times this thread has failed a GPU encode
// (an ErrGiveUp, which is not retried, or a failure of its one silent
// retry). The J2K Encoder's give-up policy watches
// this: once any GPU thread reports errors > 0, the next Encode call
// returns ErrGPUGaveUp rather than continuing to route work to it.
func (t *Thread) Errors() int64 {
	return t.gpuErrors.Load()
}

// NewThread constructs a Thread. Remote threads get a linear backoff;
// CPU and GPU threads don't need one.
func NewThread(kind Kind, name string, encode EncodeFunc, queue <-chan dcpframe.Frame) *Thread {
	t := &Thread{
		Kind:   kind,
		Name:   name,
		Encode: encode,
		Queue:  queue,
		Faults: &faultstore.Store{},
		Logger: slog.Default(),
	}
	if kind == KindRemote {
		t.backoff = newLinearBackOff(RemoteBackOffStep, RemoteBackOffMax)
	}
	return t
}

// ErrGiveUp is returned by EncodeFunc to signal the frame cannot be
// encoded by this thread at all (e.g. the remote server is gone) and
// should be handed back to the scheduler rather than retried here.
var ErrGiveUp = errors.New("encoderthread: give up")

// Run processes frames until ctx is cancelled or Queue is closed.
func (t *Thread) Run(ctx context.Context) {
	metrics.ActiveThreads.WithLabelValues(string(t.Kind)).Inc()
	defer metrics.ActiveThreads.WithLabelValues(string(t.Kind)).Dec()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-t.Queue:
			if !ok {
				return
			}
			t.process(ctx, f)
		}
	}
}

func (t *Thread) process(ctx context.Context, f dcpframe.Frame) {
	switch t.Kind {
	case KindGPU:
		t.processGPU(ctx, f)
	case KindRemote:
		t.processRemote(ctx, f)
	default:
		t.processCPU(ctx, f)
	}
}

// processCPU makes a single attempt; a CPU encode failure is a real
// encode error, not a transient condition, so it is reported and not
// retried here (the scheduler decides whether to re-queue).
func (t *Thread) processCPU(ctx context.Context, f dcpframe.Frame) {
	a, err := t.Encode(ctx, f)
	if err != nil {
		metrics.IncError(metrics.ErrEncode)
		t.Faults.Store(err)
		t.Logger.Error("cpu_encode_failed", "frame", f.Index, "error", err)
		t.OnError(f, err)
		return
	}
	metrics.IncFramesEncoded()
	t.OnResult(a)
}

// processGPU retries exactly once, silently, after a transient failure;
// only the final failure is logged. This mirrors the surviving behaviour
// of the original GPU encoder thread after a retry-without-log merge
// conflict resolved in its favour (see DESIGN.md Open Question 2).
func (t *Thread) processGPU(ctx context.Context, f dcpframe.Frame) {
	a, err := t.Encode(ctx, f)
	if err != nil {
		if errors.Is(err, ErrGiveUp) {
			t.gpuErrors.Inc()
			t.OnError(f, err)
			return
		}
		metrics.IncFramesRetried()
		a, err = t.Encode(ctx, f)
	}
	if err != nil {
		t.gpuErrors.Inc()
		metrics.IncError(metrics.ErrGPU)
		t.Faults.Store(err)
		t.Logger.Error("gpu_encode_failed", "frame", f.Index, "error", err)
		t.OnError(f, err)
		return
	}
	metrics.IncFramesEncoded()
	t.OnResult(a)
}

// processRemote retries forever on network error, waiting according to
// the linear backoff and resetting it on the next success. A non-network
// failure (e.g. the server rejected the frame outright) is not retried.
func (t *Thread) processRemote(ctx context.Context, f dcpframe.Frame) {
	for {
		a, err := t.Encode(ctx, f)
		if err == nil {
			t.backoff.Reset()
			metrics.IncFramesEncoded()
			t.OnResult(a)
			return
		}
		if errors.Is(err, ErrGiveUp) || !errors.Is(err, ErrNetwork) {
			metrics.IncError(metrics.ErrEncode)
			t.Faults.Store(err)
			t.OnError(f, err)
			return
		}
		metrics.IncFramesRetried()
		metrics.IncError(metrics.ErrNetwork)
		t.Logger.Warn("remote_encode_retry", "frame", f.Index, "error", err)
		wait := t.backoff.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// ErrNetwork classifies a remote encode failure as transient/retryable.
var ErrNetwork = errors.New("encoderthread: network error")
