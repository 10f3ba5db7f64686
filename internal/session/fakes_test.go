package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/interviewd/internal/capture"
	"github.com/ashureev/interviewd/internal/delivery"
	"github.com/ashureev/interviewd/internal/domain"
	"github.com/ashureev/interviewd/internal/speech"
	"github.com/ashureev/interviewd/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeCapture struct {
	mu       sync.Mutex
	events   chan capture.Event
	closed   bool
	startErr error
	tail     []byte
	pauses   int
	resumes  int
	stops    int
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{events: make(chan capture.Event, 64)}
}

func (c *fakeCapture) Start(context.Context, capture.Constraints) (*capture.MediaHandle, error) {
	if c.startErr != nil {
		return nil, c.startErr
	}
	return capture.NewMediaHandle(nil), nil
}

func (c *fakeCapture) Pause() {
	c.mu.Lock()
	c.pauses++
	c.mu.Unlock()
}

func (c *fakeCapture) Resume() {
	c.mu.Lock()
	c.resumes++
	c.mu.Unlock()
}

func (c *fakeCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	if c.closed {
		return
	}
	if len(c.tail) > 0 {
		c.events <- capture.Event{Kind: capture.EventChunkReady, Payload: c.tail, At: time.Now()}
	}
	c.events <- capture.Event{Kind: capture.EventStopped, At: time.Now()}
	close(c.events)
	c.closed = true
}

func (c *fakeCapture) Events() <-chan capture.Event { return c.events }

func (c *fakeCapture) emit(payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- capture.Event{Kind: capture.EventChunkReady, Payload: []byte(payload), At: time.Now()}
}

func (c *fakeCapture) counts() (pauses, resumes, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauses, c.resumes, c.stops
}

type fakeDelivery struct {
	mu           sync.Mutex
	chunksOnline bool
	finalOK      bool
	gate         chan struct{}
	attempts     int
	accepted     []domain.MediaChunk
	finals       []delivery.Bundle
	notified     int
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{chunksOnline: true, finalOK: true}
}

func (d *fakeDelivery) SendChunk(ctx context.Context, _ delivery.Identity, chunk domain.MediaChunk) delivery.Result {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return delivery.Failure("cancelled")
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if !d.chunksOnline {
		return delivery.Failure("offline")
	}
	d.accepted = append(d.accepted, chunk)
	return delivery.Success()
}

func (d *fakeDelivery) SendFinal(_ context.Context, b delivery.Bundle) delivery.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finals = append(d.finals, b)
	if !d.finalOK {
		return delivery.Failure("offline")
	}
	return delivery.Success()
}

func (d *fakeDelivery) NotifyComplete(context.Context, string) error {
	d.mu.Lock()
	d.notified++
	d.mu.Unlock()
	return nil
}

func (d *fakeDelivery) setOnline(v bool) {
	d.mu.Lock()
	d.chunksOnline = v
	d.mu.Unlock()
}

func (d *fakeDelivery) snapshot() (accepted []domain.MediaChunk, finals []delivery.Bundle, notified int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.MediaChunk(nil), d.accepted...), append([]delivery.Bundle(nil), d.finals...), d.notified
}

type fakeAsker struct {
	ready   bool
	delay   time.Duration
	answers map[string]speech.AnswerResult

	mu    sync.Mutex
	asked []string
}

func newFakeAsker() *fakeAsker {
	return &fakeAsker{ready: true, answers: map[string]speech.AnswerResult{}}
}

func (a *fakeAsker) Ready(context.Context) bool { return a.ready }

func (a *fakeAsker) Ask(ctx context.Context, q string) speech.AnswerResult {
	a.mu.Lock()
	a.asked = append(a.asked, q)
	a.mu.Unlock()
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return speech.AnswerResult{Kind: speech.NoResponse, Err: ctx.Err()}
		}
	}
	if res, ok := a.answers[q]; ok {
		return res
	}
	return speech.AnswerResult{Kind: speech.Answered, Text: "answer to " + q}
}

func (a *fakeAsker) askedQuestions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.asked...)
}

type notice struct {
	kind NoticeKind
	msg  string
}

type fakeNotifier struct {
	mu       sync.Mutex
	turns    []domain.Turn
	statuses []domain.Status
	notices  []notice
}

func (n *fakeNotifier) Turn(t domain.Turn) {
	n.mu.Lock()
	n.turns = append(n.turns, t)
	n.mu.Unlock()
}

func (n *fakeNotifier) Status(s domain.Status, _ bool) {
	n.mu.Lock()
	n.statuses = append(n.statuses, s)
	n.mu.Unlock()
}

func (n *fakeNotifier) Notice(kind NoticeKind, msg string) {
	n.mu.Lock()
	n.notices = append(n.notices, notice{kind, msg})
	n.mu.Unlock()
}

func (n *fakeNotifier) kinds() []NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NoticeKind, 0, len(n.notices))
	for _, x := range n.notices {
		out = append(out, x.kind)
	}
	return out
}

func countKind(kinds []NoticeKind, k NoticeKind) int {
	n := 0
	for _, x := range kinds {
		if x == k {
			n++
		}
	}
	return n
}

type harness struct {
	store    *store.SQLiteStore
	capture  *fakeCapture
	delivery *fakeDelivery
	asker    *fakeAsker
	notifier *fakeNotifier
	sess     *domain.Session
	cfg      Config
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.OfflineTimeout = 2 * time.Second
	cfg.ProbeInterval = 10 * time.Millisecond
	cfg.AdvanceDelay = 5 * time.Millisecond
	cfg.UnloadTimeout = time.Second
	cfg.StopTimeout = time.Second
	cfg.FinalRetryDelay = time.Millisecond
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "chunks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return &harness{
		store:    st,
		capture:  newFakeCapture(),
		delivery: newFakeDelivery(),
		asker:    newFakeAsker(),
		notifier: &fakeNotifier{},
		sess:     domain.NewSession(domain.Candidate{Name: "Ada Lovelace", Email: "ada@example.com"}, time.Now()),
		cfg:      testConfig(),
	}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(h.cfg, Deps{
		Capture:  h.capture,
		Delivery: h.delivery,
		Asker:    h.asker,
		Store:    h.store,
		Notifier: h.notifier,
	}, h.sess, nil)
	require.NoError(t, err)
	return o
}

func waitDone(t *testing.T, o *Orchestrator) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not finish, snapshot %+v", o.Snapshot())
	}
}

func questions(qs ...string) domain.QuestionSet { return domain.NewQuestionSet(qs) }
