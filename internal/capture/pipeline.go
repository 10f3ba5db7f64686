package capture

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultDrainTimeout bounds how long Stop waits for the source to deliver
	// its last data.
	DefaultDrainTimeout = time.Second
	// drainIdle ends the drain of a device without source controls once no
	// frame arrived for this long.
	drainIdle = 50 * time.Millisecond
)

type frame struct {
	kind TrackKind
	data []byte
}

// Pipeline records the acquired tracks and emits a ChunkReady event every
// interval while recording. Events are delivered on Events() in order; the
// channel closes after the Stopped event.
type Pipeline struct {
	devices      Devices
	interval     time.Duration
	drainTimeout time.Duration
	logger       *slog.Logger

	started  atomic.Bool
	mu       sync.Mutex
	state    State
	buf      bytes.Buffer
	muxer    Muxer
	handle   *MediaHandle
	recorder Recorder
	mixer    *Mixer
	stopping bool
	finished bool

	events   chan Event
	frames   chan frame
	flushC   chan struct{}
	stopC    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewPipeline creates an idle pipeline.
func NewPipeline(devices Devices, interval time.Duration, logger *slog.Logger) *Pipeline {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		devices:      devices,
		interval:     interval,
		drainTimeout: DefaultDrainTimeout,
		logger:       logger.With("component", "capture"),
		state:        StateIdle,
		events:       make(chan Event, 32),
		frames:       make(chan frame, 128),
		flushC:       make(chan struct{}, 1),
		stopC:        make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// SetDrainTimeout changes how long Stop waits for the source's last data.
// It must be called before Start.
func (p *Pipeline) SetDrainTimeout(d time.Duration) {
	if d > 0 {
		p.drainTimeout = d
	}
}

// Events returns the pipeline event stream.
func (p *Pipeline) Events() <-chan Event { return p.events }

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start acquires devices and begins recording.
func (p *Pipeline) Start(ctx context.Context, c Constraints) (*MediaHandle, error) {
	if !p.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}

	handle, err := p.devices.Acquire(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("acquire media devices: %w", err)
	}
	if handle == nil || len(handle.Tracks) == 0 {
		handle.Release()
		return nil, fmt.Errorf("acquire media devices: %w", ErrDeviceUnavailable)
	}

	p.mu.Lock()
	if p.state == StateStopped {
		// Stop raced with acquisition.
		p.mu.Unlock()
		handle.Release()
		return nil, ErrAlreadyStarted
	}
	p.handle = handle
	p.recorder = handle.Recorder()
	p.muxer = muxerFor(handle.Tracks)
	p.state = StateRecording
	p.mu.Unlock()

	p.startSources(handle.Tracks)
	go p.run()

	p.logger.Info("Capture started", "tracks", len(handle.Tracks), "interval", p.interval,
		"source_controls", p.recorder != nil)
	return handle, nil
}

// startSources fans every track into p.frames. The first audio track goes
// through the mixer.
func (p *Pipeline) startSources(tracks []Track) {
	var wg sync.WaitGroup
	forward := func(kind TrackKind, src <-chan []byte) {
		defer wg.Done()
		for data := range src {
			select {
			case p.frames <- frame{kind: kind, data: data}:
			case <-p.done:
				return
			}
		}
	}

	for _, t := range tracks {
		src := t.Frames()
		if t.Kind() == KindAudio && p.mixer == nil {
			p.mixer = NewMixer(src)
			src = p.mixer.Output()
		}
		wg.Add(1)
		go forward(t.Kind(), src)
	}

	go func() {
		wg.Wait()
		close(p.frames)
	}()
}

// AddAudioInput attaches an extra audio source to the mixer. It reports false
// when no audio track is being recorded.
func (p *Pipeline) AddAudioInput() (chan<- []byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mixer == nil || p.state == StateStopped || p.stopping {
		return nil, false
	}
	return p.mixer.AddInput(16), true
}

// Pause flushes buffered bytes as a chunk and pauses the source recorder.
// Without source controls, frames are dropped until Resume. No-op unless
// recording.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	if p.state != StateRecording || p.stopping {
		p.mu.Unlock()
		return
	}
	p.state = StatePaused
	rec := p.recorder
	p.mu.Unlock()

	if rec != nil {
		rec.PauseRecording()
	}
	select {
	case p.flushC <- struct{}{}:
	default:
	}
	p.logger.Debug("Capture paused", "source_controls", rec != nil)
}

// Resume continues recording after Pause. No-op unless paused.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	if p.state != StatePaused || p.stopping {
		p.mu.Unlock()
		return
	}
	p.state = StateRecording
	rec := p.recorder
	p.mu.Unlock()

	if rec != nil {
		rec.ResumeRecording()
	}
	p.logger.Debug("Capture resumed")
}

// Stop ends the source recording, records every frame it still delivers,
// flushes the remainder as a last chunk, emits Stopped and releases devices.
// Further calls have no effect.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.state == StateIdle {
		// Never started: nothing to flush.
		p.state = StateStopped
		p.mu.Unlock()
		p.started.Store(true)
		p.finish(nil)
		return
	}
	p.stopping = true
	p.mu.Unlock()
	p.stopOnce.Do(func() { close(p.stopC) })
}

func (p *Pipeline) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-p.frames:
			if !ok {
				p.finish(p.tracksEnded())
				return
			}
			p.mux(f)
		case <-ticker.C:
			p.emitBuffered()
		case <-p.flushC:
			p.emitBuffered()
		case <-p.stopC:
			p.drain()
			p.finish(nil)
			return
		}
	}
}

// tracksEnded reports ErrTrackEnded unless the tracks ended because Stop
// was requested.
func (p *Pipeline) tracksEnded() error {
	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()
	if stopping {
		return nil
	}
	p.logger.Warn("All media tracks ended")
	return ErrTrackEnded
}

// mux appends a frame to the buffer. Frames that arrive while paused are
// kept when the source paused itself, since they precede the pause in the
// encoded stream.
func (p *Pipeline) mux(f frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRecording || p.recorder != nil {
		p.muxer.Mux(&p.buf, f.kind, f.data)
	}
}

// drain collects the frames still in flight after Stop. With source controls
// it waits for the tracks to end; otherwise it stops once the tracks go quiet.
// Either way it gives up after the drain timeout.
func (p *Pipeline) drain() {
	if p.recorder != nil {
		p.recorder.StopRecording()
	}

	deadline := time.NewTimer(p.drainTimeout)
	defer deadline.Stop()

	var idle *time.Timer
	var idleC <-chan time.Time
	if p.recorder == nil {
		idle = time.NewTimer(drainIdle)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case f, ok := <-p.frames:
			if !ok {
				return
			}
			p.mux(f)
			if idle != nil {
				idle.Reset(drainIdle)
			}
		case <-idleC:
			return
		case <-deadline.C:
			p.logger.Warn("Media source did not finish in time, stopping with what was received",
				"timeout", p.drainTimeout)
			return
		}
	}
}

func (p *Pipeline) emitBuffered() {
	p.mu.Lock()
	if p.buf.Len() == 0 {
		p.mu.Unlock()
		return
	}
	data := make([]byte, p.buf.Len())
	copy(data, p.buf.Bytes())
	p.buf.Reset()
	p.mu.Unlock()

	p.events <- Event{Kind: EventChunkReady, Payload: data, At: time.Now()}
}

func (p *Pipeline) finish(err error) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	p.state = StateStopped
	p.mu.Unlock()

	p.emitBuffered()
	close(p.done)
	if p.mixer != nil {
		p.mixer.Close()
	}
	p.handle.Release()

	p.events <- Event{Kind: EventStopped, At: time.Now(), Err: err}
	close(p.events)
	p.logger.Info("Capture stopped", "error", err)
}
