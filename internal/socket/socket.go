// Package socket implements the length-prefixed, checksum-verified framing
// used between the J2K Encoder's remote worker threads and an Encode
// Server: a 4-byte big-endian length header followed by that many payload
// bytes, with an xxhash64 digest appended over a caller-delimited "digest
// scope" so a write can detect transport corruption the TCP checksum
// missed.
//
// Framing shape is the teacher's (internal/cnl/codec.go: fixed header,
// explicit io.ReadFull, wrapped sentinel errors); the digest-scope
// mechanics and the 65536-byte control-frame ceiling are ground-truthed
// against encode_server.cc's ReadDigestScope/WriteDigestScope and its
// "Malformed encode request (too large)" / "Checksums do not match" checks.
package socket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// MaxControlPayload bounds any length-prefixed control payload (an
// EncodingRequest, a ServerAvailable reply). Raw pixel payloads use
// MaxFramePayload instead.
const MaxControlPayload = 65536

// MaxFramePayload bounds a raw/encoded frame payload.
const MaxFramePayload = 16 << 20

var (
	ErrTooLarge         = errors.New("socket: payload too large")
	ErrChecksumMismatch = errors.New("socket: checksums do not match")
)

// ReadFramed reads one length-prefixed payload, rejecting anything over
// limit.
func ReadFramed(r io.Reader, limit uint32) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > limit {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, length, limit)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFramed writes a length-prefixed payload.
func WriteFramed(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// DigestScope accumulates a running xxhash64 over everything written
// through it, so a caller can frame a sequence of writes (e.g. header then
// raw pixel data) and verify the whole scope with a single trailing
// digest, mirroring Socket::WriteDigestScope.
type DigestScope struct {
	w    io.Writer
	hash *xxhash.Digest
}

// NewWriteDigestScope wraps w so every Write also feeds the digest.
func NewWriteDigestScope(w io.Writer) *DigestScope {
	return &DigestScope{w: w, hash: xxhash.New()}
}

func (d *DigestScope) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	if n > 0 {
		_, _ = d.hash.Write(p[:n])
	}
	return n, err
}

// Finish writes the accumulated digest as an 8-byte big-endian trailer.
func (d *DigestScope) Finish() error {
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], d.hash.Sum64())
	_, err := d.w.Write(sum[:])
	return err
}

// ReadDigestScope mirrors NewWriteDigestScope for the read side: every
// Read through it also feeds the digest, and Check reads the trailing
// 8-byte digest from the underlying reader and compares it.
type ReadDigestScope struct {
	r    io.Reader
	hash *xxhash.Digest
}

func NewReadDigestScope(r io.Reader) *ReadDigestScope {
	return &ReadDigestScope{r: r, hash: xxhash.New()}
}

func (d *ReadDigestScope) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		_, _ = d.hash.Write(p[:n])
	}
	return n, err
}

// Check reads the trailing digest from the underlying reader and returns
// ErrChecksumMismatch if it does not match what was accumulated.
func (d *ReadDigestScope) Check() error {
	var sum [8]byte
	if _, err := io.ReadFull(d.r, sum[:]); err != nil {
		return err
	}
	if binary.BigEndian.Uint64(sum[:]) != d.hash.Sum64() {
		return ErrChecksumMismatch
	}
	return nil
}
