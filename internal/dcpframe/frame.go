// Package dcpframe holds the data model shared by the Butler, the J2K
// Encoder and the Encode Server: frames in flight between them, and the
// artifacts the encoders hand back.
package dcpframe

import (
	"fmt"
	"time"
)

// Eye identifies which eye of a stereoscopic pair a frame belongs to, or
// that the content is 2D (Both).
type Eye int

const (
	EyeBoth Eye = iota
	EyeLeft
	EyeRight
)

func (e Eye) String() string {
	switch e {
	case EyeLeft:
		return "left"
	case EyeRight:
		return "right"
	default:
		return "both"
	}
}

// PixelFormat is a minimal stand-in for the source pixel layout; the actual
// colour conversion and scaling pipeline is out of scope.
type PixelFormat int

const (
	PixelFormatRGB48 PixelFormat = iota
	PixelFormatXYZ12
)

// RawImage is a reference to an un-encoded frame buffer. Frame carries a
// pointer to it so dispatch to worker threads stays a cheap value copy
// while the pixel data itself is shared.
type RawImage struct {
	Format PixelFormat
	Width  int
	Height int
	Data   []byte
}

// Frame is one unit of work flowing from the Butler through the J2K
// Encoder to an encoder thread.
type Frame struct {
	Index int64
	Eye   Eye
	// Time is the frame's presentation time measured from the start of
	// the DCP being produced.
	Time time.Duration
	// Raw is set for frames not yet encoded; Encoded is set for frames
	// that arrived pre-encoded (e.g. read back from a cache).
	Raw     *RawImage
	Encoded []byte
	// Reencode is true when a caller supplied Encoded bytes but still
	// wants them regenerated from Raw (e.g. a format/quality change).
	// When false and Encoded is non-empty, the J2K Encoder writes
	// Encoded straight through rather than re-running compression.
	Reencode bool
}

func (f Frame) String() string {
	return fmt.Sprintf("frame[%d %s]", f.Index, f.Eye)
}

// EncodedArtifact is the J2K codestream produced for one Frame, on its way
// to the Writer.
type EncodedArtifact struct {
	Index int64
	Eye   Eye
	Data  []byte
}

func (a EncodedArtifact) String() string {
	return fmt.Sprintf("artifact[%d %s %dB]", a.Index, a.Eye, len(a.Data))
}
