// Package wire defines the small XML messages exchanged between the
// Encode Server Finder, the Encode Server and the J2K Encoder's remote
// worker threads, plus the fixed protocol constants (hello token, link
// version, ports) that tie them together.
//
// No XML library appears anywhere in the reference corpus this engine was
// grounded on; encoding/xml's struct-tag model is a direct, idiomatic fit
// for these two small fixed-shape messages, so it is used here rather than
// inventing a bespoke codec.
package wire

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Hello is the literal broadcast token a Finder sends on the UDP hello
// port and a server must echo-check before replying. The exact string
// comes from the original engine's constants and is kept unchanged since
// it is wire protocol, not a display string.
const Hello = "I mean really, Ray, it's used."

// ServerLinkVersion must match between a master and the encode servers it
// talks to; a server rejects any EncodingRequest carrying a different
// value.
const ServerLinkVersion = 8

// Fixed protocol ports.
const (
	HelloPort               = 6541
	MainServerPresencePort  = 6542
	BatchServerPresencePort = 6543
	EncodeFramePort         = 6544
)

// ServerAvailable is broadcast by an Encode Server in reply to a Hello, on
// both the master's and batch converter's presence ports, advertising its
// worker-thread count and link version.
type ServerAvailable struct {
	XMLName xml.Name `xml:"ServerAvailable"`
	Threads int      `xml:"Threads"`
	Version int      `xml:"Version"`
}

// Encode marshals s with the standard XML declaration, matching the shape
// the original wire format uses (root element, no namespace).
func (s ServerAvailable) Encode() ([]byte, error) {
	return encodeXML(s)
}

// DecodeServerAvailable parses a ServerAvailable payload.
func DecodeServerAvailable(b []byte) (ServerAvailable, error) {
	var s ServerAvailable
	if err := xml.Unmarshal(b, &s); err != nil {
		return ServerAvailable{}, fmt.Errorf("decode ServerAvailable: %w", err)
	}
	return s, nil
}

// EncodingRequest is sent by a J2K Encoder remote thread to an Encode
// Server ahead of the raw frame payload; the server checks Version before
// doing any work.
type EncodingRequest struct {
	XMLName xml.Name `xml:"EncodingRequest"`
	Version int      `xml:"Version"`
	Index   int64    `xml:"Index"`
	Eye     string   `xml:"Eye"`
}

func (r EncodingRequest) Encode() ([]byte, error) {
	return encodeXML(r)
}

// DecodeEncodingRequest parses an EncodingRequest payload.
func DecodeEncodingRequest(b []byte) (EncodingRequest, error) {
	var r EncodingRequest
	if err := xml.Unmarshal(b, &r); err != nil {
		return EncodingRequest{}, fmt.Errorf("decode EncodingRequest: %w", err)
	}
	return r, nil
}

func encodeXML(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// NUL-terminate: the wire format length-prefixes a C string.
	buf.WriteByte(0)
	return buf.Bytes(), nil
}
