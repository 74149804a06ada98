package asynctx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cth103/dcpomatic-sub004/internal/dcpframe"
)

func TestSubmitWritesAsynchronously(t *testing.T) {
	var mu sync.Mutex
	var written []int64
	var afterCount int

	a := New(context.Background(), 4, func(art dcpframe.EncodedArtifact) error {
		mu.Lock()
		written = append(written, art.Index)
		mu.Unlock()
		return nil
	}, Hooks{
		OnAfter: func(art dcpframe.EncodedArtifact) {
			mu.Lock()
			afterCount++
			mu.Unlock()
		},
	})
	defer a.Close()

	for i := int64(0); i < 3; i++ {
		if err := a.Submit(dcpframe.EncodedArtifact{Index: i}); err != nil {
			t.Fatalf("Submit(%d): %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(written)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(written) != 3 {
		t.Fatalf("got %d writes, want 3", len(written))
	}
	if afterCount != 3 {
		t.Fatalf("got %d OnAfter calls, want 3", afterCount)
	}
}

func TestSubmitInvokesOnErrorWithoutOnAfter(t *testing.T) {
	var mu sync.Mutex
	var errored, aftered bool

	a := New(context.Background(), 4, func(art dcpframe.EncodedArtifact) error {
		return errors.New("write failed")
	}, Hooks{
		OnError: func(art dcpframe.EncodedArtifact, err error) {
			mu.Lock()
			errored = true
			mu.Unlock()
		},
		OnAfter: func(art dcpframe.EncodedArtifact) {
			mu.Lock()
			aftered = true
			mu.Unlock()
		},
	})
	defer a.Close()

	if err := a.Submit(dcpframe.EncodedArtifact{Index: 1}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := errored
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !errored {
		t.Fatalf("OnError was not called for a failed write")
	}
	if aftered {
		t.Fatalf("OnAfter was called despite a failed write")
	}
}

func TestSubmitDropsWhenBufferFull(t *testing.T) {
	block := make(chan struct{})
	a := New(context.Background(), 1, func(art dcpframe.EncodedArtifact) error {
		<-block
		return nil
	}, Hooks{
		OnDrop: func(art dcpframe.EncodedArtifact) error {
			return errors.New("dropped")
		},
	})
	defer func() {
		close(block)
		a.Close()
	}()

	// First Submit is picked up immediately by the worker loop and blocks
	// it on <-block; the second fills the buffer-1 channel; the third must
	// overflow and hit OnDrop.
	if err := a.Submit(dcpframe.EncodedArtifact{Index: 1}); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := a.Submit(dcpframe.EncodedArtifact{Index: 2}); err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	if err := a.Submit(dcpframe.EncodedArtifact{Index: 3}); err == nil {
		t.Fatalf("expected Submit 3 to be dropped once the buffer is full")
	}
}

func TestSubmitAfterCloseReturnsErrClosed(t *testing.T) {
	a := New(context.Background(), 1, func(art dcpframe.EncodedArtifact) error { return nil }, Hooks{})
	a.Close()
	if err := a.Submit(dcpframe.EncodedArtifact{Index: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}
