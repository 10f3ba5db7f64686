package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const frameHeaderSize = 5

// Muxer merges frames of several tracks into one stream.
type Muxer interface {
	Mux(dst *bytes.Buffer, kind TrackKind, frame []byte)
}

// passthroughMuxer is used for a single track: bytes are copied unchanged.
type passthroughMuxer struct{}

func (passthroughMuxer) Mux(dst *bytes.Buffer, _ TrackKind, frame []byte) {
	dst.Write(frame)
}

// frameMuxer writes kind | uint32 big-endian length | payload.
type frameMuxer struct{}

func (frameMuxer) Mux(dst *bytes.Buffer, kind TrackKind, frame []byte) {
	var hdr [frameHeaderSize]byte
	hdr[0] = byte(kind)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(frame)))
	dst.Write(hdr[:])
	dst.Write(frame)
}

func muxerFor(tracks []Track) Muxer {
	if len(tracks) == 1 {
		return passthroughMuxer{}
	}
	return frameMuxer{}
}

// Frame is one demultiplexed frame.
type Frame struct {
	Kind    TrackKind
	Payload []byte
}

var errTruncatedFrame = errors.New("truncated frame")

// Demux splits a stream produced by the framing muxer.
func Demux(b []byte) ([]Frame, error) {
	var frames []Frame
	for len(b) > 0 {
		if len(b) < frameHeaderSize {
			return frames, fmt.Errorf("%w: %d header bytes", errTruncatedFrame, len(b))
		}
		kind := TrackKind(b[0])
		n := int(binary.BigEndian.Uint32(b[1:frameHeaderSize]))
		b = b[frameHeaderSize:]
		if len(b) < n {
			return frames, fmt.Errorf("%w: want %d bytes, have %d", errTruncatedFrame, n, len(b))
		}
		frames = append(frames, Frame{Kind: kind, Payload: b[:n:n]})
		b = b[n:]
	}
	return frames, nil
}
