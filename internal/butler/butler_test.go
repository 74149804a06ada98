package butler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cth103/dcpomatic-sub004/internal/dcpframe"
)

const frameDuration = time.Second / 24

// fakeProducer stands in for the player: Pass delivers one video frame
// (and, unless audio is disabled in the test, one audio chunk) per call,
// Seek repositions its internal cursor.
type fakeProducer struct {
	mu      sync.Mutex
	next    int64
	total   int64
	failAt  int64
	seekLog []time.Duration
}

func (p *fakeProducer) Pass(ctx context.Context, sink Sink) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAt != 0 && p.next == p.failAt {
		return false, errors.New("decode failure")
	}
	if p.next >= p.total {
		return true, nil
	}
	f := dcpframe.Frame{Index: p.next, Time: time.Duration(p.next) * frameDuration}
	p.next++
	sink.Video(f)
	return false, nil
}

func (p *fakeProducer) Seek(ctx context.Context, position time.Duration, accurate bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seekLog = append(p.seekLog, position)
	// Round up so the first frame delivered after a seek is at or after
	// position (frameDuration is truncated to whole nanoseconds).
	p.next = int64((position + frameDuration - 1) / frameDuration)
	return nil
}

func identityPrepare(_ context.Context, f dcpframe.Frame) (dcpframe.Frame, error) { return f, nil }

func newButler(p *fakeProducer) *Butler {
	return New(p, identityPrepare, 2, true /* audio disabled: these tests only exercise video */, 2)
}

func TestThreadDrainsProducerAndReportsFinished(t *testing.T) {
	p := &fakeProducer{total: 20}
	b := newButler(p)

	done := make(chan error, 1)
	go func() { done <- b.Thread(context.Background()) }()

	received := 0
	for {
		f, err := b.GetVideo(Blocking)
		if err != nil {
			var pe *PullError
			if errors.As(err, &pe) && pe.Code == ErrFinished {
				break
			}
			t.Fatalf("GetVideo: %v", err)
		}
		if f.Index != int64(received) {
			t.Fatalf("got frame %d, want %d (frames must arrive in order)", f.Index, received)
		}
		received++
	}
	if received != 20 {
		t.Fatalf("got %d frames, want 20", received)
	}
	b.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Thread returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Thread did not return after Stop")
	}
	if b.Died() {
		t.Fatalf("Butler reported died for a clean exhaustion")
	}
}

func TestThreadMarksDiedOnProducerError(t *testing.T) {
	p := &fakeProducer{total: 100, failAt: 3}
	b := newButler(p)

	done := make(chan error, 1)
	go func() { done <- b.Thread(context.Background()) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Thread did not return after a producer error")
	}
	if !b.Died() {
		t.Fatalf("Butler did not report died after a producer error")
	}
	if b.LastFault() == nil {
		t.Fatalf("LastFault was nil after a producer error")
	}
	if _, err := b.GetVideo(Blocking); err == nil {
		t.Fatalf("expected GetVideo to report an error once died")
	} else {
		var pe *PullError
		if !errors.As(err, &pe) || pe.Code != ErrDied {
			t.Fatalf("got error %v, want PullError{Code: ErrDied}", err)
		}
	}
}

func TestPlayerChangeSuspendsAndResumesProduction(t *testing.T) {
	b := newButler(&fakeProducer{total: 1000})
	b.PlayerChange(ChangePending, PropertyOther, false)
	b.mu.Lock()
	suspended := b.suspended
	b.mu.Unlock()
	if suspended != 1 {
		t.Fatalf("got suspended=%d after PENDING, want 1", suspended)
	}
	if b.shouldRunLocked2() {
		t.Fatalf("shouldRun is true while suspended")
	}

	b.PlayerChange(ChangeCancelled, PropertyOther, false)
	b.mu.Lock()
	suspended = b.suspended
	b.mu.Unlock()
	if suspended != 0 {
		t.Fatalf("got suspended=%d after CANCELLED, want 0", suspended)
	}
	if !b.shouldRunLocked2() {
		t.Fatalf("shouldRun is false after resuming with an empty queue")
	}
}

func TestPlayerChangeSuspensionCounterDoesNotGoNegative(t *testing.T) {
	b := newButler(&fakeProducer{total: 1})
	// Two independent consumers resume without a matching earlier pause;
	// the counter must clamp at zero rather than going negative and
	// requiring an extra pause to re-suspend.
	b.PlayerChange(ChangeCancelled, PropertyOther, false)
	b.PlayerChange(ChangeCancelled, PropertyOther, false)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.suspended != 0 {
		t.Fatalf("got suspended=%d, want 0", b.suspended)
	}
}

func TestPlayerChangeDoneSeeksToQueueHead(t *testing.T) {
	p := &fakeProducer{total: 1000}
	b := newButler(p)
	b.mu.Lock()
	b.video = []videoEntry{{frame: dcpframe.Frame{Index: 5, Time: 5 * frameDuration}}}
	b.suspended = 1
	b.mu.Unlock()

	b.PlayerChange(ChangeDone, PropertyOther, false)

	b.mu.Lock()
	pending, pos := b.seekPending, b.seekPosition
	suspended := b.suspended
	b.mu.Unlock()
	if !pending {
		t.Fatalf("expected a seek to be pending after a DONE change")
	}
	if pos != 5*frameDuration {
		t.Fatalf("got seek position %v, want %v (the current video queue head)", pos, 5*frameDuration)
	}
	if suspended != 0 {
		t.Fatalf("got suspended=%d after DONE, want 0", suspended)
	}
}

func TestFrequentPlayerChangeIsIgnored(t *testing.T) {
	b := newButler(&fakeProducer{total: 1})
	b.PlayerChange(ChangePending, PropertyOther, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.suspended != 0 {
		t.Fatalf("a frequent change must not affect suspension, got suspended=%d", b.suspended)
	}
}

func TestCropChangeInvokesHookWithoutSuspending(t *testing.T) {
	var hookFrames []dcpframe.Frame
	b := New(&fakeProducer{total: 1}, identityPrepare, 2, true, 2, WithCropHook(func(fs []dcpframe.Frame) {
		hookFrames = fs
	}))
	b.mu.Lock()
	b.video = []videoEntry{{frame: dcpframe.Frame{Index: 1}}}
	b.mu.Unlock()

	b.PlayerChange(ChangeDone, PropertyCrop, false)

	if len(hookFrames) != 1 || hookFrames[0].Index != 1 {
		t.Fatalf("got hook frames %+v, want one frame with Index=1", hookFrames)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.suspended != 0 {
		t.Fatalf("a crop change must never suspend production, got suspended=%d", b.suspended)
	}
}

func TestSeekDiscardsQueuedReadaheadAndClearsOnArrival(t *testing.T) {
	p := &fakeProducer{total: 1000}
	b := newButler(p)
	b.mu.Lock()
	b.video = []videoEntry{{frame: dcpframe.Frame{Index: 1}}, {frame: dcpframe.Frame{Index: 2}}}
	b.mu.Unlock()

	b.Seek(30*time.Second, true)

	b.mu.Lock()
	pending, videoLen := b.seekPending, len(b.video)
	b.mu.Unlock()
	if !pending {
		t.Fatalf("seekPending not set after Seek")
	}
	if videoLen != 0 {
		t.Fatalf("got %d queued frames after Seek, want 0", videoLen)
	}
}

func TestSeekResumesAtOrAfterTheRequestedTime(t *testing.T) {
	p := &fakeProducer{total: 1000}
	b := newButler(p)

	done := make(chan error, 1)
	go func() { done <- b.Thread(context.Background()) }()

	// Let some frames arrive before seeking, matching S4.
	for i := 0; i < 5; i++ {
		if _, err := b.GetVideo(Blocking); err != nil {
			t.Fatalf("GetVideo: %v", err)
		}
	}

	b.Seek(30*time.Second, true)
	f, err := b.GetVideo(Blocking)
	if err != nil {
		t.Fatalf("GetVideo after seek: %v", err)
	}
	if f.Time < 30*time.Second {
		t.Fatalf("got frame time %v after seeking to 30s, want >= 30s", f.Time)
	}

	b.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Thread did not return after Stop")
	}
}

func TestStopHaltsProducerLoopPromptly(t *testing.T) {
	p := &fakeProducer{total: 1000000}
	b := newButler(p)

	done := make(chan error, 1)
	go func() { done <- b.Thread(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	b.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Thread returned error after Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Thread did not return promptly after Stop")
	}
}

func TestShouldRunAbortsOnTenTimesMaxReadahead(t *testing.T) {
	b := newButler(&fakeProducer{total: 1})
	b.mu.Lock()
	for i := 0; i < MaxVideoReadahead*10; i++ {
		b.video = append(b.video, videoEntry{frame: dcpframe.Frame{Index: int64(i)}})
	}
	b.mu.Unlock()

	if b.shouldRunLocked2() {
		t.Fatalf("shouldRun must return false once aborting")
	}
	if !b.Died() {
		t.Fatalf("expected the Butler to be marked died after exceeding 10x max readahead")
	}
	if b.LastFault() == nil {
		t.Fatalf("expected an abort fault to be recorded")
	}
}

func TestGetAudioFillsSilenceOnNonBlockingUnderflow(t *testing.T) {
	b := New(&fakeProducer{total: 1}, identityPrepare, 2, false, 2)
	b.mu.Lock()
	b.audio = []AudioChunk{{PCM: []float32{1, 1, 0.5, 0.5}, Channels: 2, Time: time.Second}}
	b.mu.Unlock()

	out := make([]float32, 8) // 4 frames * 2 channels, only 2 frames available
	_, ok := b.GetAudio(NonBlocking, out, 4)
	if !ok {
		t.Fatalf("expected GetAudio to report ok=true for a partially-filled buffer")
	}
	want := []float32{1, 1, 0.5, 0.5, 0, 0, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("got %v, want %v", out, want)
		}
	}
}

func TestGetClosedCaptionPopsInOrder(t *testing.T) {
	b := newButler(&fakeProducer{total: 1})
	b.Text(ClosedCaption{Text: "first"})
	b.Text(ClosedCaption{Text: "second"})

	cc, ok := b.GetClosedCaption()
	if !ok || cc.Text != "first" {
		t.Fatalf("got %+v, want the first queued caption", cc)
	}
	cc, ok = b.GetClosedCaption()
	if !ok || cc.Text != "second" {
		t.Fatalf("got %+v, want the second queued caption", cc)
	}
	if _, ok := b.GetClosedCaption(); ok {
		t.Fatalf("expected the ring to be empty")
	}
}

// shouldRunLocked2 is a small test-only wrapper taking the lock itself,
// since shouldRunLocked (like the C++ should_run) requires the caller to
// already hold the mutex.
func (b *Butler) shouldRunLocked2() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shouldRunLocked()
}
