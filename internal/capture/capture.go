// Package capture turns acquired camera and microphone tracks into a
// sequence of timed media chunks.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrPermissionDenied is returned when the user refuses camera/microphone access.
	ErrPermissionDenied = errors.New("camera or microphone permission denied")
	// ErrDeviceUnavailable is returned when no usable device exists.
	ErrDeviceUnavailable = errors.New("camera or microphone unavailable")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("capture already started")
	// ErrTrackEnded is reported when every track ended without Stop.
	ErrTrackEnded = errors.New("all media tracks ended")
)

// DefaultInterval is the chunk-ready cadence.
const DefaultInterval = 5 * time.Second

// State is the pipeline lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// TrackKind identifies what a track carries.
type TrackKind byte

const (
	KindAudio TrackKind = 'a'
	KindVideo TrackKind = 'v'
	// KindMuxed is an already combined audio/video stream.
	KindMuxed TrackKind = 'm'
)

// Constraints describe the requested devices.
type Constraints struct {
	Audio    bool
	Video    bool
	MimeType string
}

// DefaultConstraints requests camera and microphone recorded as VP9 WebM.
func DefaultConstraints() Constraints {
	return Constraints{Audio: true, Video: true, MimeType: "video/webm; codecs=vp9"}
}

// Track is a source of encoded media frames. Frames closes when the track ends.
type Track interface {
	Kind() TrackKind
	Frames() <-chan []byte
}

// Devices acquires media tracks.
type Devices interface {
	// Acquire returns ErrPermissionDenied or ErrDeviceUnavailable (possibly
	// wrapped) when the devices cannot be used.
	Acquire(ctx context.Context, c Constraints) (*MediaHandle, error)
}

// Recorder is implemented by devices that encode at the source. Such a
// device pauses its own recorder, so the encoded stream stays continuous
// across a pause.
type Recorder interface {
	PauseRecording()
	ResumeRecording()
	// StopRecording asks the source to emit its last data and then end its
	// tracks.
	StopRecording()
}

// MediaHandle owns the acquired tracks.
type MediaHandle struct {
	Tracks   []Track
	release  func()
	recorder Recorder
	once     sync.Once
}

// NewMediaHandle wraps tracks; release is called once by Release.
func NewMediaHandle(release func(), tracks ...Track) *MediaHandle {
	return &MediaHandle{Tracks: tracks, release: release}
}

// WithRecorder attaches the source recorder controls.
func (h *MediaHandle) WithRecorder(r Recorder) *MediaHandle {
	h.recorder = r
	return h
}

// Recorder returns the source recorder controls, or nil when the device
// cannot pause or stop at the source.
func (h *MediaHandle) Recorder() Recorder {
	if h == nil {
		return nil
	}
	return h.recorder
}

// Release stops the underlying devices.
func (h *MediaHandle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// EventKind distinguishes pipeline events.
type EventKind int

const (
	EventChunkReady EventKind = iota
	EventStopped
)

// Event is emitted by the pipeline. Payload holds exactly the bytes captured
// since the previous chunk.
type Event struct {
	Kind    EventKind
	Payload []byte
	At      time.Time
	Err     error
}

// ChanTrack is a Track fed by Push. It is safe for concurrent use.
type ChanTrack struct {
	kind     TrackKind
	mu       sync.RWMutex
	closed   bool
	ch       chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

// NewChanTrack creates a track with the given frame buffer.
func NewChanTrack(kind TrackKind, buffer int) *ChanTrack {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanTrack{kind: kind, ch: make(chan []byte, buffer), done: make(chan struct{})}
}

// Kind implements Track.
func (t *ChanTrack) Kind() TrackKind { return t.kind }

// Frames implements Track.
func (t *ChanTrack) Frames() <-chan []byte { return t.ch }

// Push queues a copy of frame. It reports false when the track is closed or
// the buffer is full.
func (t *ChanTrack) Push(frame []byte) bool {
	return t.PushWait(frame, 0)
}

// PushWait queues a copy of frame, waiting up to timeout for buffer space.
// It reports false when the track is closed or the wait ran out.
func (t *ChanTrack) PushWait(frame []byte, timeout time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return false
	}
	data := make([]byte, len(frame))
	copy(data, frame)
	select {
	case t.ch <- data:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case t.ch <- data:
		return true
	case <-timer.C:
		return false
	case <-t.done:
		return false
	}
}

// Close ends the track. Pending PushWait calls return false.
func (t *ChanTrack) Close() {
	t.doneOnce.Do(func() { close(t.done) })
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.ch)
	}
}
