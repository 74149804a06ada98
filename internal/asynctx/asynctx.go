// Package asynctx is a reusable asynchronous write funnel: a single
// goroutine fan-in that lets many encoder threads hand finished artifacts
// to the Writer without ever blocking on it. Adapted from the teacher's
// internal/transport/async_tx.go (itself written for CAN frame transmit),
// generalized from can.Frame to dcpframe.EncodedArtifact since the shape
// -- non-blocking enqueue, drop-with-hook on overflow, single writer
// goroutine -- is identical regardless of payload type.
package asynctx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cth103/dcpomatic-sub004/internal/dcpframe"
)

// Hooks customize AsyncWriter behavior without duplicating the goroutine
// and buffer plumbing per caller.
type Hooks struct {
	// OnError is called when the write function returns a non-nil error.
	OnError func(dcpframe.EncodedArtifact, error)
	// OnAfter is called only after a successful write.
	OnAfter func(dcpframe.EncodedArtifact)
	// OnDrop is called when the buffer is full; its returned error is
	// returned from Submit. If nil, an overflow is silent.
	OnDrop func(dcpframe.EncodedArtifact) error
}

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("asynctx: writer closed")

// AsyncWriter funnels EncodedArtifact writes through a single goroutine.
type AsyncWriter struct {
	mu     sync.Mutex
	ch     chan dcpframe.EncodedArtifact
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	write  func(dcpframe.EncodedArtifact) error
	hooks  Hooks
	closed atomic.Bool
}

// New constructs an AsyncWriter with a buffered channel of size buf,
// calling write for each submitted artifact from its single worker
// goroutine.
func New(parent context.Context, buf int, write func(dcpframe.EncodedArtifact) error, hooks Hooks) *AsyncWriter {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncWriter{
		ch:     make(chan dcpframe.EncodedArtifact, buf),
		ctx:    ctx,
		cancel: cancel,
		write:  write,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncWriter) loop() {
	defer a.wg.Done()
	for {
		select {
		case art, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.write(art); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(art, err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter(art)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Submit queues an artifact for asynchronous writing, or invokes OnDrop
// if the buffer is full.
func (a *AsyncWriter) Submit(art dcpframe.EncodedArtifact) error {
	if a.closed.Load() {
		return ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrClosed
	}
	select {
	case a.ch <- art:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop(art)
		}
		return nil
	}
}

// Close drains every already-submitted artifact before stopping the
// worker. Closing a.ch (rather than cancelling first) lets loop's select
// keep picking the ch case over ctx.Done until the channel is empty and
// closed -- cancelling first would let select nondeterministically pick
// the Done case and silently drop a still-queued artifact.
func (a *AsyncWriter) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
	a.cancel()
}
