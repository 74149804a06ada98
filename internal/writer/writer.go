// Package writer defines the contract the J2K Encoder writes finished
// frames through (the DCP asset writer lives entirely out of scope — see
// SPEC_FULL.md §1) plus a reference in-memory implementation good enough
// to drive ordering/idempotence tests end to end.
//
// The reference implementation's reassembly structure is grounded on
// SaveTheRbtz-zstd-seekable-format-go's seek-table, which keeps btree
// nodes keyed by offset to answer "what's the next contiguous span" --
// the same shape this Writer needs to answer "is index N next in line".
package writer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cth103/dcpomatic-sub004/internal/dcpframe"
	"github.com/google/btree"
)

// ErrZombified is returned by FakeWrite and Repeat once Zombify has been
// called: the shortcut bookkeeping they rely on belongs to the run that's
// shutting down, so the encoder's end-of-run mop-up must fall through to
// a real encode+Write instead of trusting it.
var ErrZombified = errors.New("writer: zombified")

// Writer accepts finished frame artifacts and answers the J2K Encoder's
// three pre-processing shortcuts (spec.md §4.F/§6): a frame already
// present from a previous run can be fake-written; a frame that already
// carries encoded bytes can be written directly; a frame identical to the
// last one on its eye can be repeated without re-encoding. Write may be
// called concurrently by multiple encoder threads and must not block the
// scheduler for longer than it takes to hand the artifact off; actual
// muxing/disk I/O happens elsewhere.
type Writer interface {
	// Write stores an encoded artifact. Calling Write twice with the
	// same (Index, Eye) must be idempotent: the second call is a no-op,
	// matching the J2K Encoder's "retry after a dropped network write"
	// behaviour, which may hand the same frame to Write more than once.
	// Write must remain usable after Zombify: the encoder's shutdown
	// mop-up calls Zombify to unblock anything parked in a real Writer's
	// blocking Write, then still needs to Write the residual frames it
	// re-encodes synchronously.
	Write(dcpframe.EncodedArtifact) error
	// FakeWrite tells the Writer that frame index/eye's data already
	// exists (e.g. recovered from a previous run) and does not need to
	// be produced again, without supplying the bytes.
	FakeWrite(index int64, eye dcpframe.Eye) error
	// Written reports whether index/eye has already been written (real
	// or fake), letting the encoder skip redundant work.
	Written(index int64, eye dcpframe.Eye) bool
	// CanFakeWrite reports whether index/eye can be satisfied by
	// FakeWrite rather than a real encode -- the first of the encoder's
	// pre-processing shortcuts.
	CanFakeWrite(index int64, eye dcpframe.Eye) bool
	// CanRepeat reports whether index/eye can be satisfied by Repeat --
	// i.e. the immediately preceding index on the same eye is already
	// written and can be copied forward without re-encoding.
	CanRepeat(index int64, eye dcpframe.Eye) bool
	// Repeat copies the previous frame's data forward onto index/eye
	// without re-encoding, the third pre-processing shortcut.
	Repeat(index int64, eye dcpframe.Eye) error
	// Rethrow returns and clears any internal fault the Writer has
	// accumulated since the last call, mirroring faultstore.Store's
	// Store/Rethrow contract so the encoder can surface a write failure
	// that happened off the encoder's own call stack.
	Rethrow() error
	// SetEncoderThreads tells the Writer how many encoder threads are
	// currently feeding it, for Writers whose internal buffering or
	// back-pressure scales with that count.
	SetEncoderThreads(n int)
	// Zombify marks the Writer as shutting down: any blocking call
	// parked inside Write must unblock, and the pre-processing
	// shortcuts (CanFakeWrite/CanRepeat/FakeWrite/Repeat) stop trusting
	// bookkeeping from the run that's ending. Write itself keeps
	// working, since the encoder's shutdown mop-up still needs it.
	Zombify()
}

type key struct {
	index int64
	eye   dcpframe.Eye
}

func (k key) Less(than btree.Item) bool {
	o := than.(key)
	if k.index != o.index {
		return k.index < o.index
	}
	return k.eye < o.eye
}

// MemoryWriter is a reference Writer backed by an in-memory btree index
// plus a map of artifact bytes. It never discards data, so it is only
// suitable for tests and the demo CLI, not production volumes.
type MemoryWriter struct {
	mu             sync.Mutex
	index          *btree.BTree
	data           map[key][]byte
	fakeOnly       map[key]bool
	lastFault      error
	encoderThreads int
	zombified      bool
}

// NewMemoryWriter constructs an empty MemoryWriter.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{
		index:    btree.New(32),
		data:     make(map[key][]byte),
		fakeOnly: make(map[key]bool),
	}
}

func (w *MemoryWriter) Write(a dcpframe.EncodedArtifact) error {
	k := key{a.Index, a.Eye}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.index.Has(k) {
		return nil
	}
	w.index.ReplaceOrInsert(k)
	w.data[k] = a.Data
	return nil
}

func (w *MemoryWriter) FakeWrite(index int64, eye dcpframe.Eye) error {
	k := key{index, eye}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.zombified {
		return ErrZombified
	}
	if w.index.Has(k) {
		return nil
	}
	w.index.ReplaceOrInsert(k)
	w.fakeOnly[k] = true
	return nil
}

func (w *MemoryWriter) Written(index int64, eye dcpframe.Eye) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.index.Has(key{index, eye})
}

// CanFakeWrite reports whether index/eye was already written (real or
// fake) in a previous run, the same bookkeeping Written exposes -- a
// frame recovered from disk looks identical to one already in this
// Writer's index. Returns false once zombified: shutdown mop-up must not
// trust a run that's ending.
func (w *MemoryWriter) CanFakeWrite(index int64, eye dcpframe.Eye) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.zombified {
		return false
	}
	return w.index.Has(key{index, eye})
}

// CanRepeat reports whether the immediately preceding index on the same
// eye has real data to copy forward.
func (w *MemoryWriter) CanRepeat(index int64, eye dcpframe.Eye) bool {
	if index <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.zombified {
		return false
	}
	_, ok := w.data[key{index - 1, eye}]
	return ok
}

// Repeat copies the previous index's data onto index without re-encoding.
func (w *MemoryWriter) Repeat(index int64, eye dcpframe.Eye) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.zombified {
		return ErrZombified
	}
	k := key{index, eye}
	if w.index.Has(k) {
		return nil
	}
	prev, ok := w.data[key{index - 1, eye}]
	if !ok {
		return fmt.Errorf("writer: no previous frame to repeat for index %d eye %v", index, eye)
	}
	w.index.ReplaceOrInsert(k)
	w.data[k] = prev
	return nil
}

// Rethrow returns and clears the last internally stored write fault, if
// any.
func (w *MemoryWriter) Rethrow() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.lastFault
	w.lastFault = nil
	return err
}

// SetEncoderThreads records the current encoder thread count.
func (w *MemoryWriter) SetEncoderThreads(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.encoderThreads = n
}

// Zombify marks the Writer as shutting down. MemoryWriter's Write never
// blocks, so there's nothing to unblock, but the shortcut methods stop
// trusting the ending run's bookkeeping from this point on.
func (w *MemoryWriter) Zombify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.zombified = true
}

// Artifact returns the bytes stored for index/eye, if any (test helper).
func (w *MemoryWriter) Artifact(index int64, eye dcpframe.Eye) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.data[key{index, eye}]
	return b, ok
}

// Count returns the number of distinct (index, eye) entries written so
// far, real or fake.
func (w *MemoryWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.index.Len()
}
