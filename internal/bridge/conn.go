package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/interviewd/internal/capture"
	"github.com/ashureev/interviewd/internal/domain"
	"github.com/ashureev/interviewd/internal/session"
	"github.com/ashureev/interviewd/internal/speech"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	writeTimeout     = 5 * time.Second
	trackBufferSize  = 256
	resultBufferSize = 32
)

var errConnClosed = errors.New("bridge connection closed")

// Conn is one browser connection. It provides the capture devices and the
// speech capabilities of the page to the session core, and forwards what the
// core wants shown.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	sess     *domain.Session
	orch     *session.Orchestrator
	track    *capture.ChanTrack
	acquireC chan error
	speaking map[string]chan struct{}
	rec      *recognition
	unloaded bool
}

func newConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		ws:       ws,
		logger:   logger,
		closed:   make(chan struct{}),
		speaking: make(map[string]chan struct{}),
	}
}

func (c *Conn) orchestrator() *session.Orchestrator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orch
}

// markClosed unblocks every pending wait on the page.
func (c *Conn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) closeSocket(code websocket.StatusCode, reason string) {
	c.markClosed()
	if c.ws != nil {
		_ = c.ws.Close(code, reason)
	}
}

func (c *Conn) send(msg wsMessage) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Debug("WebSocket write error", "type", msg.Type, "error", err)
		return err
	}
	return nil
}

// Acquire asks the page for camera and microphone and waits for its answer.
func (c *Conn) Acquire(ctx context.Context, cons capture.Constraints) (*capture.MediaHandle, error) {
	waitC := make(chan error, 1)
	c.mu.Lock()
	c.acquireC = waitC
	c.mu.Unlock()

	if err := c.send(wsMessage{Type: msgAcquire, Audio: cons.Audio, Video: cons.Video, MimeType: cons.MimeType}); err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}

	select {
	case err := <-waitC:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, errConnClosed)
	}

	c.mu.Lock()
	track := c.track
	c.mu.Unlock()
	release := func() {
		c.mu.Lock()
		if c.track == track {
			c.track = nil
		}
		c.mu.Unlock()
		track.Close()
		_ = c.send(wsMessage{Type: msgRelease})
	}
	return capture.NewMediaHandle(release, track).WithRecorder(c), nil
}

// resolveAcquire is called from the read loop. On success the track is in
// place before any media frame that follows is read.
func (c *Conn) resolveAcquire(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquireC == nil {
		return
	}
	if err == nil {
		c.track = capture.NewChanTrack(capture.KindMuxed, trackBufferSize)
	}
	c.acquireC <- err
	c.acquireC = nil
}

func mediaError(reason string) error {
	if reason == reasonPermission {
		return capture.ErrPermissionDenied
	}
	return capture.ErrDeviceUnavailable
}

func (c *Conn) pushMedia(data []byte) {
	c.mu.Lock()
	track := c.track
	c.mu.Unlock()
	if track == nil {
		c.logger.Warn("Dropping media frame, no recording in progress", "bytes", len(data))
		return
	}
	if !track.PushWait(data, writeTimeout) {
		c.logger.Error("Dropping media frame, recorder is behind", "bytes", len(data))
	}
}

// endMedia ends the current track. The page sends media-end after the last
// blob of a stopped recorder.
func (c *Conn) endMedia() {
	c.mu.Lock()
	track := c.track
	c.track = nil
	c.mu.Unlock()
	if track != nil {
		track.Close()
	}
}

// PauseRecording pauses the page's MediaRecorder.
func (c *Conn) PauseRecording() {
	if err := c.send(wsMessage{Type: msgPause}); err != nil {
		c.logger.Debug("Failed to pause recorder", "error", err)
	}
}

// ResumeRecording resumes the page's MediaRecorder.
func (c *Conn) ResumeRecording() {
	if err := c.send(wsMessage{Type: msgResume}); err != nil {
		c.logger.Debug("Failed to resume recorder", "error", err)
	}
}

// StopRecording asks the page to stop its MediaRecorder. The track ends when
// the page reports media-end. A closed page cannot deliver more, so the track
// ends right away.
func (c *Conn) StopRecording() {
	if err := c.send(wsMessage{Type: msgStopRec}); err != nil {
		c.endMedia()
	}
}

// Speak plays text on the page and returns when playback ended.
func (c *Conn) Speak(ctx context.Context, text string) error {
	id := uuid.NewString()
	done := make(chan struct{})
	c.mu.Lock()
	c.speaking[id] = done
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.speaking, id)
		c.mu.Unlock()
	}()

	if err := c.send(wsMessage{Type: msgSpeak, ID: id, Text: text}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return errConnClosed
	}
}

func (c *Conn) resolveSpeak(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if done, ok := c.speaking[id]; ok {
		close(done)
		delete(c.speaking, id)
	}
}

type recognition struct {
	conn     *Conn
	results  chan speech.RecognitionEvent
	stopped  chan struct{}
	stopOnce sync.Once
}

func (r *recognition) Results() <-chan speech.RecognitionEvent { return r.results }

func (r *recognition) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
		r.conn.mu.Lock()
		if r.conn.rec == r {
			r.conn.rec = nil
		}
		r.conn.mu.Unlock()
		_ = r.conn.send(wsMessage{Type: msgListenOff})
	})
}

// Listen starts recognition on the page.
func (c *Conn) Listen(_ context.Context) (speech.Recognition, error) {
	r := &recognition{
		conn:    c,
		results: make(chan speech.RecognitionEvent, resultBufferSize),
		stopped: make(chan struct{}),
	}
	c.mu.Lock()
	c.rec = r
	c.mu.Unlock()

	if err := c.send(wsMessage{Type: msgListenOn}); err != nil {
		r.Stop()
		return nil, err
	}
	return r, nil
}

func (c *Conn) recognitionEvent(ev speech.RecognitionEvent) {
	c.mu.Lock()
	r := c.rec
	c.mu.Unlock()
	if r == nil {
		return
	}
	select {
	case r.results <- ev:
	case <-r.stopped:
	default:
		c.logger.Warn("Dropping recognition event, adapter is behind", "kind", ev.Kind)
	}
}

// Tick shows the remaining answer time.
func (c *Conn) Tick(remaining time.Duration) {
	_ = c.send(wsMessage{Type: msgCountdown, Remaining: intPtr(int(remaining.Round(time.Second) / time.Second))})
}

// Done hides the countdown.
func (c *Conn) Done() {
	_ = c.send(wsMessage{Type: msgCountdown, Remaining: intPtr(0), Status: "done"})
}

// Turn shows a transcript entry.
func (c *Conn) Turn(t domain.Turn) {
	_ = c.send(wsMessage{Type: msgTurn, Speaker: string(t.Speaker), Text: t.Text, QuestionIndex: intPtr(t.QuestionIndex)})
}

// Status reports a lifecycle change.
func (c *Conn) Status(s domain.Status, partial bool) {
	_ = c.send(wsMessage{Type: msgStatus, Status: string(s), Partial: partial})
}

// Notice shows a user-facing message.
func (c *Conn) Notice(kind session.NoticeKind, message string) {
	_ = c.send(wsMessage{Type: msgNotice, Kind: string(kind), Message: message})
}

var (
	_ capture.Devices    = (*Conn)(nil)
	_ capture.Recorder   = (*Conn)(nil)
	_ speech.Synthesizer = (*Conn)(nil)
	_ speech.Recognizer  = (*Conn)(nil)
	_ speech.Countdown   = (*Conn)(nil)
	_ session.Notifier   = (*Conn)(nil)
)
