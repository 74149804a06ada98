// Package butler implements the Butler: a bounded readahead buffer sitting
// between a playback producer and one or more pull consumers (viewer, J2K
// Encoder), responsible for keeping a steady supply of decoded video and
// audio flowing without letting memory use run away, and for handling
// seeks and player-driven suspension cleanly.
//
// Queue/should_run/thread-loop/seek/player_change shape is ground-truthed
// against the original engine's Butler (butler.cc); the pre-processing
// worker pool is built on golang.org/x/sync/errgroup + semaphore
// (grounded on five82-reel's internal/encode/permits.go bounded worker
// pool) rather than a hand-rolled goroutine pool, so the first prepare
// failure has one place to surface from.
package butler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cth103/dcpomatic-sub004/internal/dcpframe"
	"github.com/cth103/dcpomatic-sub004/internal/faultstore"
	"github.com/cth103/dcpomatic-sub004/internal/logging"
	"github.com/cth103/dcpomatic-sub004/internal/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// MIN/MAX readahead tunables, in frames (video) and samples per channel
// (audio), taken directly from butler.cc's #define block.
const (
	MinVideoReadahead = 10
	MaxVideoReadahead = 48
	MinAudioReadahead = 48000 * MinVideoReadahead / 24
	MaxAudioReadahead = 48000 * MaxVideoReadahead / 24

	// defaultPrepareWorkers is the pre-processing pool size absent an
	// explicit hardware_concurrency-derived override.
	defaultPrepareWorkers = 4
)

// Behaviour selects whether a pull call blocks until data (or a terminal
// state) is available.
type Behaviour int

const (
	Blocking Behaviour = iota
	NonBlocking
)

// ErrorCode classifies why GetVideo/GetAudio returned no data.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrAgain
	ErrFinished
	ErrDied
)

// PullError is returned by GetVideo when no frame is available; it
// mirrors Butler::Error's four-way code plus stored died message.
type PullError struct {
	Code    ErrorCode
	Message string
}

func (e *PullError) Error() string {
	switch e.Code {
	case ErrAgain:
		return "butler not ready"
	case ErrDied:
		if e.Message != "" {
			return fmt.Sprintf("butler died (%s)", e.Message)
		}
		return "butler died"
	case ErrFinished:
		return "butler finished"
	default:
		return "no error registered"
	}
}

// ChangeType classifies a player_change notification.
type ChangeType int

const (
	ChangePending ChangeType = iota
	ChangeCancelled
	ChangeDone
)

// Property identifies which piece of content configuration changed.
// PropertyCrop is the one property that never suspends production; every
// other property is treated uniformly (PENDING/CANCELLED/DONE suspension
// counting).
type Property int

const (
	PropertyOther Property = iota
	PropertyCrop
)

// AudioChunk is one buffer of interleaved PCM samples at Time, already
// remapped to the Butler's configured channel count by the caller.
type AudioChunk struct {
	PCM      []float32
	Channels int
	Time     time.Duration
}

// ClosedCaption is one entry in the closed-caption ring.
type ClosedCaption struct {
	Text  string
	Track string
	Start time.Duration
	End   time.Duration
}

// Producer advances playback by one step. Pass must deliver any decoded
// video/audio/text to sink synchronously, before returning -- the direct
// analogue of the original engine's signal-connected Player::pass(),
// reshaped as an explicit push interface instead of a signal/slot
// connection (see SPEC_FULL.md's Signal/slot rearchitecture note).
type Producer interface {
	// Pass advances by one step. finished=true means the producer is
	// exhausted and will deliver nothing more.
	Pass(ctx context.Context, sink Sink) (finished bool, err error)
	// Seek repositions the producer; subsequent Pass calls resume from
	// position.
	Seek(ctx context.Context, position time.Duration, accurate bool) error
}

// Sink receives playback data pushed by a Producer during Pass. Butler
// implements this itself.
type Sink interface {
	Video(f dcpframe.Frame)
	Audio(chunk AudioChunk)
	Text(cc ClosedCaption)
}

// PrepareFunc does whatever CPU-bound work (colour conversion, scaling)
// needs doing on a frame before it can be cheaply consumed. It runs
// concurrently from the pre-processing pool.
type PrepareFunc func(context.Context, dcpframe.Frame) (dcpframe.Frame, error)

type videoEntry struct {
	frame    dcpframe.Frame
	prepared bool
}

// Option configures optional Butler behaviour at construction time.
type Option func(*Butler)

// WithCropHook registers a callback invoked (with the current video queue
// contents) when a DONE crop-property change arrives, mirroring
// PlayerVideo::reset_metadata's in-place metadata refresh.
func WithCropHook(fn func([]dcpframe.Frame)) Option {
	return func(b *Butler) { b.onCropChange = fn }
}

// Butler is the readahead buffer, prepare-pool owner and seek/suspend
// coordinator sitting between a Producer and pull consumers.
type Butler struct {
	mu      sync.Mutex
	arrived *sync.Cond // signalled when video/audio/text arrives, or a terminal state is reached
	summon  *sync.Cond // signalled when the producer loop should re-check should_run

	producer Producer
	prepare  PrepareFunc
	logger   interface {
		Info(string, ...any)
		Warn(string, ...any)
		Error(string, ...any)
	}

	video          []videoEntry
	audio          []AudioChunk
	closedCaptions []ClosedCaption

	audioChannels int
	audioDisabled bool

	suspended    int
	seekPending  bool
	seekPosition time.Duration
	seekAccurate bool
	awaiting     *time.Duration

	finished bool
	died     bool
	stopped  bool

	onCropChange func([]dcpframe.Frame)

	faults       *faultstore.Store
	sem          *semaphore.Weighted
	prepareGroup *errgroup.Group
	prepareCtx   context.Context
}

// New constructs a Butler pulling from producer, preparing video frames
// with prepare, and reading queued audio as interleaved PCM with
// audioChannels channels (or dropping it entirely if audioDisabled).
// Audio chunks are stored as delivered; the Butler does no remapping.
func New(producer Producer, prepare PrepareFunc, audioChannels int, audioDisabled bool, prepareWorkers int, opts ...Option) *Butler {
	if prepareWorkers <= 0 {
		prepareWorkers = defaultPrepareWorkers
	}
	b := &Butler{
		producer:      producer,
		prepare:       prepare,
		logger:        logging.L(),
		faults:        &faultstore.Store{},
		sem:           semaphore.NewWeighted(int64(prepareWorkers)),
		audioChannels: audioChannels,
		audioDisabled: audioDisabled,
	}
	b.arrived = sync.NewCond(&b.mu)
	b.summon = sync.NewCond(&b.mu)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Butler) audioSamplesLocked() int {
	total := 0
	for _, c := range b.audio {
		if c.Channels > 0 {
			total += len(c.PCM) / c.Channels
		}
	}
	return total
}

// shouldRunLocked decides whether the producer loop should call Pass
// again. Caller must hold b.mu. Mirrors Butler::should_run, including its
// 10x-abort / 2x-warn readahead diagnostics.
func (b *Butler) shouldRunLocked() bool {
	videoSize := len(b.video)
	audioSize := b.audioSamplesLocked()

	if videoSize >= MaxVideoReadahead*10 {
		b.abortLocked(fmt.Sprintf("video buffers reached %d frames (audio is %d)", videoSize, audioSize))
		return false
	}
	if audioSize >= MaxAudioReadahead*10 {
		b.abortLocked(fmt.Sprintf("audio buffers reached %d samples (video is %d)", audioSize, videoSize))
		return false
	}
	if videoSize >= MaxVideoReadahead*2 {
		b.logger.Warn("butler_video_readahead_high", "frames", videoSize)
	}
	if audioSize >= MaxAudioReadahead*2 {
		b.logger.Warn("butler_audio_readahead_high", "samples", audioSize)
	}

	if b.stopped || b.finished || b.died || b.suspended > 0 {
		return false
	}
	if videoSize < MinVideoReadahead || (!b.audioDisabled && audioSize < MinAudioReadahead) {
		return true
	}
	return videoSize < MaxVideoReadahead && audioSize < MaxAudioReadahead
}

// abortLocked records a programming-error fault and marks the Butler
// died, the Go shape of should_run's ProgrammingError throw: it is caught
// by nothing more specific than "this component is now broken", surfaced
// to consumers as ErrDied on their next pull. Caller must hold b.mu.
func (b *Butler) abortLocked(msg string) {
	err := errors.New("butler: " + msg)
	b.faults.Store(err)
	b.died = true
	b.stopped = true
	b.arrived.Broadcast()
	b.summon.Broadcast()
}

func (b *Butler) markDied(err error) {
	b.faults.Store(err)
	b.mu.Lock()
	b.died = true
	b.stopped = true
	b.mu.Unlock()
	b.arrived.Broadcast()
	b.summon.Broadcast()
}

// Died reports whether the Butler gave up due to an unrecoverable error
// (check LastFault for the reason).
func (b *Butler) Died() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.died
}

// LastFault returns and clears the most recently stored fault.
func (b *Butler) LastFault() error { return b.faults.Rethrow() }

// Thread runs the Butler's producer loop until ctx is cancelled or Stop is
// called. Once the producer is exhausted the loop stays idle, waiting for a
// Seek, rather than returning. It is meant to run in its own goroutine;
// the pre-processing pool it starts is torn down once this returns.
func (b *Butler) Thread(ctx context.Context) error {
	defer context.AfterFunc(ctx, b.Stop)()
	g, gctx := errgroup.WithContext(ctx)
	b.mu.Lock()
	b.prepareGroup = g
	b.prepareCtx = gctx
	b.mu.Unlock()

	for {
		b.mu.Lock()
		for !b.shouldRunLocked() && !b.seekPending {
			if b.stopped {
				b.mu.Unlock()
				return g.Wait()
			}
			b.summon.Wait()
		}

		if b.seekPending {
			position, accurate := b.seekPosition, b.seekAccurate
			b.seekPending = false
			b.finished = false
			b.mu.Unlock()
			if err := b.producer.Seek(gctx, position, accurate); err != nil {
				b.markDied(fmt.Errorf("butler: seek failed: %w", err))
				return g.Wait()
			}
		} else {
			b.mu.Unlock()
		}

		for {
			b.mu.Lock()
			run := b.shouldRunLocked() && !b.seekPending
			b.mu.Unlock()
			if !run {
				break
			}
			finished, err := b.producer.Pass(gctx, b)
			if err != nil {
				b.markDied(fmt.Errorf("butler: producer pass failed: %w", err))
				return g.Wait()
			}
			b.mu.Lock()
			if finished {
				b.finished = true
			}
			b.mu.Unlock()
			b.arrived.Broadcast()
			if finished {
				break
			}
		}

		b.mu.Lock()
		stopped := b.stopped
		b.mu.Unlock()
		if stopped {
			return g.Wait()
		}
	}
}

// Video is the producer's per-frame callback: it is enqueued immediately
// (visible to the next GetVideo right away) and handed to the
// pre-processing pool so that by the time a consumer looks at it,
// preparation has usually already finished.
func (b *Butler) Video(f dcpframe.Frame) {
	b.mu.Lock()
	if b.seekPending {
		b.mu.Unlock()
		return
	}
	b.video = append(b.video, videoEntry{frame: f})
	metrics.SetButlerQueueDepth(len(b.video))
	group, ctx := b.prepareGroup, b.prepareCtx
	b.mu.Unlock()

	if group == nil || b.prepare == nil {
		return
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return
	}
	group.Go(func() error {
		defer b.sem.Release(1)
		prepared, err := b.prepare(ctx, f)
		if err != nil {
			b.markDied(fmt.Errorf("butler: prepare failed for frame %d: %w", f.Index, err))
			b.logger.Error("butler_prepare_failed", "frame", f.Index, "error", err)
			return err
		}
		b.mu.Lock()
		for i := range b.video {
			if b.video[i].frame.Index == prepared.Index && b.video[i].frame.Eye == prepared.Eye {
				b.video[i].frame = prepared
				b.video[i].prepared = true
				break
			}
		}
		b.mu.Unlock()
		return nil
	})
}

// Audio is the producer's per-buffer callback.
func (b *Butler) Audio(chunk AudioChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seekPending || b.audioDisabled {
		return
	}
	b.audio = append(b.audio, chunk)
}

// Text is the producer's per-subtitle callback.
func (b *Butler) Text(cc ClosedCaption) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seekPending {
		return
	}
	b.closedCaptions = append(b.closedCaptions, cc)
}

// GetVideo pulls the oldest queued frame. A Blocking call waits on the
// arrived condition until data is available or a terminal state
// (finished/died) is reached; NonBlocking returns ErrAgain immediately
// when nothing is available and the Butler is currently suspended. Once
// the Butler has died every call returns ErrDied, even if frames are
// still queued.
func (b *Butler) GetVideo(behaviour Behaviour) (dcpframe.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.died || (len(b.video) == 0 && (b.finished || (b.suspended > 0 && behaviour == NonBlocking))) {
		return dcpframe.Frame{}, b.pullErrorLocked(ErrAgain)
	}
	for len(b.video) == 0 && !b.finished && !b.died {
		b.arrived.Wait()
	}
	if len(b.video) == 0 {
		return dcpframe.Frame{}, b.pullErrorLocked(ErrNone)
	}

	entry := b.video[0]
	b.video = b.video[1:]
	b.summon.Broadcast()
	return entry.frame, nil
}

func (b *Butler) pullErrorLocked(fallback ErrorCode) error {
	if b.died {
		msg := ""
		if err := b.faults.Peek(); err != nil {
			msg = err.Error()
		}
		return &PullError{Code: ErrDied, Message: msg}
	}
	if b.finished {
		return &PullError{Code: ErrFinished}
	}
	return &PullError{Code: fallback}
}

// GetAudio copies up to len(out)/channels samples per channel into out,
// returning the time of the first sample copied. ok is false only when
// Blocking found nothing before a terminal state, or NonBlocking found
// nothing at all; in the NonBlocking underflow case out is zero-filled
// past whatever data was available and ok is still true for the samples
// that were copied (matching get_audio's "fill with silence" contract).
func (b *Butler) GetAudio(behaviour Behaviour, out []float32, frames int) (t time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for behaviour == Blocking && !b.finished && !b.died && b.audioSamplesLocked() < frames {
		b.arrived.Wait()
	}

	for i := range out {
		out[i] = 0
	}

	if len(b.audio) == 0 {
		return 0, false
	}

	t = b.audio[0].Time
	channels := b.audioChannels
	if channels <= 0 && len(b.audio) > 0 {
		channels = b.audio[0].Channels
	}
	needed := frames * channels
	written := 0
	for written < needed && len(b.audio) > 0 {
		chunk := b.audio[0]
		avail := len(chunk.PCM)
		take := avail
		if written+take > needed {
			take = needed - written
		}
		copy(out[written:written+take], chunk.PCM[:take])
		written += take
		if take == avail {
			b.audio = b.audio[1:]
		} else {
			b.audio[0].PCM = chunk.PCM[take:]
		}
	}
	b.summon.Broadcast()
	return t, true
}

// GetClosedCaption pops the oldest closed-caption ring entry, if any.
func (b *Butler) GetClosedCaption() (ClosedCaption, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.closedCaptions) == 0 {
		return ClosedCaption{}, false
	}
	cc := b.closedCaptions[0]
	b.closedCaptions = b.closedCaptions[1:]
	return cc, true
}

// Seek discards queued video/audio/closed-captions and repositions the
// producer at the start of the next pass.
func (b *Butler) Seek(position time.Duration, accurate bool) {
	b.mu.Lock()
	b.seekLocked(position, accurate)
	b.mu.Unlock()
	b.summon.Broadcast()
}

func (b *Butler) seekLocked(position time.Duration, accurate bool) {
	if b.died {
		return
	}
	b.finished = false
	b.seekPending = true
	b.seekPosition = position
	b.seekAccurate = accurate
	b.video = nil
	b.audio = nil
	b.closedCaptions = nil
}

// PlayerChange is the producer's synchronous change notification.
// Frequent changes are ignored entirely; CROP is the one property that
// never suspends production (it instead refreshes queued frame metadata
// in place via the crop hook); every other property follows
// PENDING/CANCELLED/DONE suspension counting, with DONE seeking to the
// frame after the current queue head (or a previously-awaited position,
// if one is still outstanding) to avoid a visible glitch.
func (b *Butler) PlayerChange(changeType ChangeType, property Property, frequent bool) {
	if frequent {
		return
	}
	if property == PropertyCrop {
		if changeType == ChangeDone && b.onCropChange != nil {
			b.mu.Lock()
			frames := make([]dcpframe.Frame, len(b.video))
			for i, e := range b.video {
				frames[i] = e.frame
			}
			b.mu.Unlock()
			b.onCropChange(frames)
		}
		return
	}

	b.mu.Lock()
	switch changeType {
	case ChangePending:
		b.suspended++
	case ChangeCancelled:
		if b.suspended > 0 {
			b.suspended--
		}
	case ChangeDone:
		if b.suspended > 0 {
			b.suspended--
		}
		if b.died || b.seekPending {
			b.mu.Unlock()
			b.summon.Broadcast()
			return
		}
		var next time.Duration
		if len(b.video) > 0 {
			next = b.video[0].frame.Time
		}
		seekTo := next
		if b.awaiting != nil && *b.awaiting > next {
			seekTo = *b.awaiting
		}
		b.seekLocked(seekTo, true)
		b.awaiting = &seekTo
	}
	b.mu.Unlock()
	b.summon.Broadcast()
}

// Stop halts the producer loop permanently.
func (b *Butler) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.summon.Broadcast()
	b.arrived.Broadcast()
}

// VideoQueueDepth reports the current video readahead depth (test/metrics
// helper).
func (b *Butler) VideoQueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.video)
}

// AudioQueueDepth reports the current audio readahead depth in samples
// per channel (test/metrics helper).
func (b *Butler) AudioQueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.audioSamplesLocked()
}
