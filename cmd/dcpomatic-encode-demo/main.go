// Command dcpomatic-encode-demo drives the Butler -> J2K Encoder ->
// Writer pipeline against a synthetic frame source, for manual
// smoke-testing of the scheduler without a real decode/encode backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cth103/dcpomatic-sub004/internal/butler"
	"github.com/cth103/dcpomatic-sub004/internal/dcpframe"
	"github.com/cth103/dcpomatic-sub004/internal/encoderthread"
	"github.com/cth103/dcpomatic-sub004/internal/j2kencoder"
	"github.com/cth103/dcpomatic-sub004/internal/writer"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

// syntheticProducer stands in for the player: each Pass call delivers one
// synthetic video frame to the sink until total is exhausted.
type syntheticProducer struct {
	next  int64
	total int64
}

func (s *syntheticProducer) Pass(_ context.Context, sink butler.Sink) (bool, error) {
	if s.next >= s.total {
		return true, nil
	}
	f := dcpframe.Frame{
		Index: s.next,
		Eye:   dcpframe.EyeBoth,
		Time:  time.Duration(s.next) * time.Second / 24,
		Raw:   &dcpframe.RawImage{Format: dcpframe.PixelFormatXYZ12, Width: 1998, Height: 1080, Data: make([]byte, 64)},
	}
	s.next++
	sink.Video(f)
	return false, nil
}

func (s *syntheticProducer) Seek(_ context.Context, position time.Duration, _ bool) error {
	s.next = int64(position * 24 / time.Second)
	return nil
}

// encoderSink adapts a *j2kencoder.Encoder to butler.Sink; this demo has
// no audio or closed-caption path, so those are no-ops.
type encoderSink struct {
	enc *j2kencoder.Encoder
}

func (s encoderSink) Video(f dcpframe.Frame) {
	if err := s.enc.Encode(f); err != nil {
		color.Yellow("encode failed for frame %d: %v", f.Index, err)
	}
}

func (s encoderSink) Audio(butler.AudioChunk)   {}
func (s encoderSink) Text(butler.ClosedCaption) {}

func prepare(_ context.Context, f dcpframe.Frame) (dcpframe.Frame, error) {
	return f, nil
}

func encodeCPU(_ context.Context, f dcpframe.Frame) (dcpframe.EncodedArtifact, error) {
	return dcpframe.EncodedArtifact{Index: f.Index, Eye: f.Eye, Data: []byte("j2k-codestream")}, nil
}

func main() {
	frames := flag.Int64("frames", 48, "Number of synthetic frames to push through the pipeline")
	workers := flag.Int("workers", 2, "Number of CPU encoder threads")
	flag.Parse()

	w := writer.NewMemoryWriter()
	enc := j2kencoder.New(w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	specs := make([]j2kencoder.ThreadSpec, 0, *workers)
	for i := 0; i < *workers; i++ {
		specs = append(specs, j2kencoder.ThreadSpec{
			Name:   fmt.Sprintf("cpu-%d", i),
			Kind:   encoderthread.KindCPU,
			Encode: encodeCPU,
		})
	}
	enc.Begin(ctx, specs)

	b := butler.New(&syntheticProducer{total: *frames}, prepare, 0, true, *workers)

	bar := progressbar.Default(*frames, "encoding")
	done := make(chan error, 1)
	go func() { done <- b.Thread(ctx) }()

	sink := encoderSink{enc: enc}
	go func() {
		for {
			f, err := b.GetVideo(butler.Blocking)
			if err != nil {
				return
			}
			sink.Video(f)
		}
	}()

	for w.Count() < int(*frames) {
		_ = bar.Set(w.Count())
		time.Sleep(10 * time.Millisecond)
		if b.Died() {
			break
		}
	}
	_ = bar.Finish()

	b.Stop()
	if err := <-done; err != nil {
		color.Red("butler stopped with error: %v", err)
	}
	if fault := b.LastFault(); fault != nil {
		color.Red("butler fault: %v", fault)
		os.Exit(1)
	}

	endCtx, endCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer endCancel()
	if err := enc.End(endCtx); err != nil {
		color.Yellow("encoder reported issues at shutdown: %v", err)
	}

	color.Green("wrote %d frames", w.Count())
}
