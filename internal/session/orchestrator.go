package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/interviewd/internal/capture"
	"github.com/ashureev/interviewd/internal/delivery"
	"github.com/ashureev/interviewd/internal/domain"
	"github.com/ashureev/interviewd/internal/metrics"
	"github.com/ashureev/interviewd/internal/speech"
)

var (
	// ErrNoStore is returned when an orchestrator is built without a chunk store.
	ErrNoStore = errors.New("session: chunk store is required")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session: already started")
	// ErrNoQuestions is returned when Start gets an empty question set.
	ErrNoQuestions = errors.New("session: no questions")
)

type signal int

const (
	sigNetworkDown signal = iota
	sigNetworkUp
	sigHardStop
)

type sendResult struct {
	seq    int
	result delivery.Result
}

type answer struct {
	index  int
	result speech.AnswerResult
}

// Orchestrator drives one interview. All session state is owned by a single
// goroutine started by Start; the exported signal methods only enqueue.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	signals     chan signal
	answers     chan answer
	sendResults chan sendResult
	done        chan struct{}
	started     bool
	startMu     sync.Mutex

	snapMu   sync.RWMutex
	snap     Snapshot
	sessCopy *domain.Session

	// Fields below are owned by the run goroutine after Start.
	ctx       context.Context
	cancel    context.CancelFunc
	sess      *domain.Session
	questions domain.QuestionSet
	events    <-chan capture.Event

	queue          []domain.MediaChunk
	sending        bool
	nextSeq        int
	delivered      int
	captureStopped bool

	asking    bool
	askCancel context.CancelFunc

	pendingAdvance bool
	advanceDue     bool

	offlineTimer *time.Timer
	offlineC     <-chan time.Time
	probeTicker  *time.Ticker
	probeC       <-chan time.Time
	advanceTimer *time.Timer
	advanceC     <-chan time.Time
	stopTimer    *time.Timer
	stopC        <-chan time.Time

	noticed map[NoticeKind]bool
	bg      sync.WaitGroup
}

// New creates an orchestrator for sess. The chunk store is required.
func New(cfg Config, deps Deps, sess *domain.Session, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, ErrNoStore
	}
	if deps.Capture == nil || deps.Delivery == nil || deps.Asker == nil {
		return nil, errors.New("session: capture, delivery and asker are required")
	}
	if sess == nil {
		return nil, errors.New("session: nil session")
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.FinalAttempts <= 0 {
		cfg.FinalAttempts = def.FinalAttempts
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.UnloadTimeout <= 0 {
		cfg.UnloadTimeout = def.UnloadTimeout
	}
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = def.OfflineTimeout
	}

	o := &Orchestrator{
		cfg:         cfg,
		deps:        deps,
		logger:      logger.With("session_id", sess.ID),
		signals:     make(chan signal, 16),
		answers:     make(chan answer, 1),
		sendResults: make(chan sendResult, 1),
		done:        make(chan struct{}),
		sess:        sess,
		noticed:     make(map[NoticeKind]bool),
	}
	o.publish()
	return o, nil
}

// Start moves the session from Created to Recording and runs it until a
// terminal state. Cancelling ctx is treated as a hard stop. Device errors
// fail the session and are returned.
func (o *Orchestrator) Start(ctx context.Context, qs domain.QuestionSet) error {
	o.startMu.Lock()
	defer o.startMu.Unlock()
	if o.started || o.sess.Status != domain.StatusCreated {
		return ErrAlreadyStarted
	}
	if qs.Len() == 0 {
		return ErrNoQuestions
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.questions = qs

	if err := o.deps.Store.Ping(ctx); err != nil {
		o.cancel()
		o.setStatus(domain.StatusFailed)
		o.publish()
		close(o.done)
		return fmt.Errorf("chunk store unavailable: %w", err)
	}

	if !o.deps.Asker.Ready(ctx) {
		o.notice(NoticeRecognitionFallback, "Speech recognition is unavailable. Answers will not be transcribed.")
	}

	if _, err := o.deps.Capture.Start(ctx, o.cfg.Constraints); err != nil {
		o.logger.Error("Failed to start capture", "error", err)
		o.notice(NoticeDeviceError, deviceMessage(err))
		o.cancel()
		o.setStatus(domain.StatusFailed)
		metrics.IncSessionFinished(string(domain.StatusFailed), false)
		o.publish()
		close(o.done)
		return fmt.Errorf("start capture: %w", err)
	}
	o.events = o.deps.Capture.Events()

	o.setStatus(domain.StatusRecording)
	metrics.IncSessionStarted()
	o.logger.Info("Interview started", "questions", qs.Len())

	o.askCurrent()
	o.publish()
	go o.run()
	return nil
}

func deviceMessage(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return "Camera or microphone access was denied."
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return "No usable camera or microphone was found."
	}
	return "Could not start the camera or microphone."
}

// NetworkDown reports that connectivity was lost.
func (o *Orchestrator) NetworkDown() { o.signal(sigNetworkDown) }

// NetworkUp reports that connectivity was restored.
func (o *Orchestrator) NetworkUp() { o.signal(sigNetworkUp) }

// HardStop requests an immediate best-effort teardown (page unload).
func (o *Orchestrator) HardStop() { o.signal(sigHardStop) }

func (o *Orchestrator) signal(s signal) {
	select {
	case o.signals <- s:
	case <-o.done:
	default:
		o.logger.Warn("Signal queue full, dropping signal", "signal", s)
	}
}

// Done is closed once the session reached a terminal state and all
// background work finished.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Snapshot returns the latest published state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.snap
}

// Session returns a copy of the session record owned by the caller.
func (o *Orchestrator) Session() *domain.Session {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.sessCopy.Clone()
}

func (o *Orchestrator) run() {
	defer func() {
		o.stopTimers()
		o.cancelAsk()
		o.cancel()
		o.bg.Wait()
		o.publish()
		close(o.done)
	}()

	for {
		select {
		case <-o.ctx.Done():
			o.hardStop("context cancelled")
			return

		case s := <-o.signals:
			switch s {
			case sigNetworkDown:
				o.goOffline("network down")
			case sigNetworkUp:
				o.restore("network up")
			case sigHardStop:
				o.hardStop("hard stop")
				return
			}

		case ev, ok := <-o.events:
			if !ok {
				o.events = nil
				o.captureStopped = true
				break
			}
			o.handleCapture(ev)

		case r := <-o.sendResults:
			o.handleSendResult(r)

		case a := <-o.answers:
			o.handleAnswer(a)

		case <-o.offlineC:
			o.offlineC = nil
			o.offlineExpired()

		case <-o.probeC:
			o.probe()

		case <-o.advanceC:
			o.advanceC = nil
			o.advanceTimer = nil
			o.advanceDue = true
			o.maybeAdvance()

		case <-o.stopC:
			o.stopC = nil
			o.logger.Warn("Capture did not report stop in time, finalizing anyway")
			o.captureStopped = true
		}

		o.maybeFinalize()
		o.publish()
		if o.sess.Status.IsTerminal() {
			return
		}
	}
}

func (o *Orchestrator) handleCapture(ev capture.Event) {
	switch ev.Kind {
	case capture.EventChunkReady:
		o.appendChunk(o.ctx, ev)
		o.pump()

	case capture.EventStopped:
		o.captureStopped = true
		if ev.Err != nil && (o.sess.Status == domain.StatusRecording || o.sess.Status == domain.StatusPausedOffline) {
			o.logger.Error("Capture stopped unexpectedly", "error", ev.Err)
			o.notice(NoticeDeviceError, "The camera or microphone stopped. Saving what was recorded.")
			o.sess.Partial = true
			o.beginFinalize("capture lost")
		}
	}
}

// appendChunk makes the chunk durable before it is queued for delivery.
func (o *Orchestrator) appendChunk(ctx context.Context, ev capture.Event) {
	chunk := domain.MediaChunk{
		SessionID:     o.sess.ID,
		SequenceIndex: o.nextSeq,
		Payload:       ev.Payload,
		CreatedAt:     ev.At,
	}
	o.nextSeq++
	if _, err := o.deps.Store.Append(ctx, chunk); err != nil {
		o.logger.Error("Failed to persist chunk", "seq", chunk.SequenceIndex, "error", err)
		o.notice(NoticeStorageError, "Recording could not be saved locally.")
	}
	o.queue = append(o.queue, chunk)
}

// pump sends the head of the queue unless a send is in flight. While offline
// only the probe sends.
func (o *Orchestrator) pump() {
	if o.sending || len(o.queue) == 0 || o.sess.Status != domain.StatusRecording {
		return
	}
	o.send(o.queue[0])
}

func (o *Orchestrator) send(chunk domain.MediaChunk) {
	o.sending = true
	id := delivery.IdentityOf(o.sess)
	ctx := o.ctx
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		res := o.deps.Delivery.SendChunk(ctx, id, chunk)
		select {
		case o.sendResults <- sendResult{seq: chunk.SequenceIndex, result: res}:
		case <-o.done:
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) handleSendResult(r sendResult) {
	o.sending = false
	if len(o.queue) == 0 || o.queue[0].SequenceIndex != r.seq {
		return
	}

	if !r.result.OK() {
		o.logger.Warn("Chunk delivery failed", "seq", r.seq, "reason", r.result.Reason)
		o.goOffline("chunk delivery failed")
		return
	}

	o.queue = o.queue[1:]
	o.delivered++
	o.logger.Debug("Chunk delivered", "seq", r.seq)

	o.restore("chunk delivered")
	o.pump()
	o.maybeAdvance()
}

// goOffline enters PausedOffline once per excursion. Repeated calls while
// already offline change nothing.
func (o *Orchestrator) goOffline(reason string) {
	if o.sess.Status != domain.StatusRecording {
		return
	}
	o.logger.Warn("Connection lost, pausing interview", "reason", reason, "question_index", o.sess.QuestionIndex)

	o.cancelAdvanceTimer()
	o.deps.Capture.Pause()

	o.offlineTimer = time.NewTimer(o.cfg.OfflineTimeout)
	o.offlineC = o.offlineTimer.C
	if o.cfg.ProbeInterval > 0 {
		o.probeTicker = time.NewTicker(o.cfg.ProbeInterval)
		o.probeC = o.probeTicker.C
	}

	o.setStatus(domain.StatusPausedOffline)
	delete(o.noticed, NoticeReconnected)
	o.notice(NoticeOffline, "Internet disconnected. The interview is paused and will resume when the connection returns.")
	metrics.IncOfflineExcursion()
}

// restore leaves PausedOffline and resumes at the same question index.
func (o *Orchestrator) restore(reason string) {
	if o.sess.Status != domain.StatusPausedOffline {
		return
	}
	o.logger.Info("Connection restored, resuming interview", "reason", reason, "question_index", o.sess.QuestionIndex)

	o.cancelOfflineTimers()
	o.deps.Capture.Resume()
	o.setStatus(domain.StatusRecording)

	delete(o.noticed, NoticeOffline)
	o.notice(NoticeReconnected, "Connection restored. Resuming the interview.")
	metrics.IncOfflineRestored()

	o.pump()
	if o.pendingAdvance && !o.advanceDue {
		o.scheduleAdvance()
	}
	o.maybeAdvance()
	o.askCurrent()
}

func (o *Orchestrator) probe() {
	if o.sess.Status != domain.StatusPausedOffline || o.sending || len(o.queue) == 0 {
		return
	}
	o.logger.Debug("Probing connection", "seq", o.queue[0].SequenceIndex)
	o.send(o.queue[0])
}

func (o *Orchestrator) offlineExpired() {
	if o.sess.Status != domain.StatusPausedOffline {
		return
	}
	o.logger.Warn("Connection did not return in time, finalizing partial interview", "timeout", o.cfg.OfflineTimeout)
	o.sess.Partial = true
	o.notice(NoticeOfflineTimeout, "Internet didn't return. Your partial interview is being saved.")
	o.beginFinalize("offline timeout")
}

// askCurrent asks the question at the current index unless the session is not
// recording or the current question is already being asked or answered.
func (o *Orchestrator) askCurrent() {
	if o.sess.Status != domain.StatusRecording || o.asking || o.pendingAdvance {
		return
	}
	idx := o.sess.QuestionIndex
	if idx >= o.questions.Len() {
		o.beginFinalize("all questions answered")
		return
	}
	o.appendTurn(domain.SpeakerAI, o.questions[idx], idx)

	ctx, cancel := context.WithCancel(o.ctx)
	o.asking = true
	o.askCancel = cancel
	question := o.questions[idx]
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		res := o.deps.Asker.Ask(ctx, question)
		select {
		case o.answers <- answer{index: idx, result: res}:
		case <-o.done:
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) handleAnswer(a answer) {
	o.asking = false
	if o.askCancel != nil {
		o.askCancel()
		o.askCancel = nil
	}
	if o.sess.Status != domain.StatusRecording && o.sess.Status != domain.StatusPausedOffline {
		return
	}
	if a.index != o.sess.QuestionIndex {
		return
	}
	if errors.Is(a.result.Err, speech.ErrRecognitionUnavailable) {
		o.notice(NoticeRecognitionFallback, "Speech recognition stopped working. Answers will not be transcribed.")
	}
	if errors.Is(a.result.Err, speech.ErrListenerBusy) {
		o.logger.Error("Ask rejected, listener busy", "question_index", a.index)
	}

	o.appendTurn(domain.SpeakerCandidate, a.result.TranscriptText(), a.index)
	metrics.IncAnswer(a.result.Kind.String())

	o.pendingAdvance = true
	o.advanceDue = false
	o.scheduleAdvance()
}

func (o *Orchestrator) scheduleAdvance() {
	if o.sess.Status != domain.StatusRecording || o.advanceTimer != nil {
		return
	}
	o.advanceTimer = time.NewTimer(o.cfg.AdvanceDelay)
	o.advanceC = o.advanceTimer.C
}

// maybeAdvance moves to the next question once the delay elapsed, the
// session is recording and no chunk send is pending.
func (o *Orchestrator) maybeAdvance() {
	if !o.pendingAdvance || !o.advanceDue || o.sending || o.sess.Status != domain.StatusRecording {
		return
	}
	o.pendingAdvance = false
	o.advanceDue = false
	o.sess.QuestionIndex++
	o.persist()
	o.askCurrent()
}

func (o *Orchestrator) appendTurn(speaker domain.Speaker, text string, idx int) {
	turn := domain.Turn{Speaker: speaker, Text: text, QuestionIndex: idx, At: time.Now()}
	if err := o.sess.Transcript.Append(turn); err != nil {
		o.logger.Error("Dropping out-of-order turn", "error", err)
		return
	}
	o.persist()
	o.deps.Notifier.Turn(turn)
}

func (o *Orchestrator) setStatus(s domain.Status) {
	if o.sess.Status == s {
		return
	}
	o.logger.Info("Session status changed", "from", o.sess.Status, "to", s, "partial", o.sess.Partial)
	o.sess.Status = s
	o.persist()
	o.deps.Notifier.Status(s, o.sess.Partial)
}

// notice surfaces a condition once until it is reset.
func (o *Orchestrator) notice(kind NoticeKind, msg string) {
	if o.noticed[kind] {
		return
	}
	o.noticed[kind] = true
	o.deps.Notifier.Notice(kind, msg)
}

// persist saves the session record. It outlives ctx cancellation so a hard
// stop still records the final state.
func (o *Orchestrator) persist() {
	o.sess.UpdatedAt = time.Now()
	ctx, cancel := o.detached(o.cfg.UnloadTimeout)
	defer cancel()
	if err := o.deps.Store.SaveSession(ctx, o.sess); err != nil {
		o.logger.Error("Failed to persist session", "error", err)
	}
}

func (o *Orchestrator) detached(timeout time.Duration) (context.Context, context.CancelFunc) {
	base := o.ctx
	if base == nil {
		base = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(base), timeout)
}

func (o *Orchestrator) cancelAdvanceTimer() {
	if o.advanceTimer != nil {
		o.advanceTimer.Stop()
	}
	o.advanceTimer = nil
	o.advanceC = nil
}

func (o *Orchestrator) cancelOfflineTimers() {
	if o.offlineTimer != nil {
		o.offlineTimer.Stop()
	}
	o.offlineTimer = nil
	o.offlineC = nil
	if o.probeTicker != nil {
		o.probeTicker.Stop()
	}
	o.probeTicker = nil
	o.probeC = nil
}

func (o *Orchestrator) stopTimers() {
	o.cancelAdvanceTimer()
	o.cancelOfflineTimers()
	if o.stopTimer != nil {
		o.stopTimer.Stop()
	}
	o.stopTimer = nil
	o.stopC = nil
}

func (o *Orchestrator) cancelAsk() {
	if o.askCancel != nil {
		o.askCancel()
		o.askCancel = nil
	}
	o.asking = false
}

func (o *Orchestrator) publish() {
	snap := Snapshot{
		SessionID:     o.sess.ID,
		Status:        o.sess.Status,
		Partial:       o.sess.Partial,
		QuestionIndex: o.sess.QuestionIndex,
		Questions:     o.questions.Len(),
		Turns:         len(o.sess.Transcript),
		QueuedChunks:  len(o.queue),
		Delivered:     o.delivered,
		Captured:      o.nextSeq,
	}
	cp := o.sess.Clone()
	o.snapMu.Lock()
	o.snap = snap
	o.sessCopy = cp
	o.snapMu.Unlock()
}
