package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/interviewd/internal/delivery"
	"github.com/ashureev/interviewd/internal/domain"
	"github.com/ashureev/interviewd/internal/session"
	"github.com/ashureev/interviewd/internal/speech"
	"github.com/ashureev/interviewd/internal/store"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCollector struct {
	mu        sync.Mutex
	startErr  error
	questions domain.QuestionSet
	started   []delivery.Identity
	chunks    []domain.MediaChunk
	finals    []delivery.Bundle
	notified  []string
}

func newFakeCollector(qs ...string) *fakeCollector {
	return &fakeCollector{questions: domain.NewQuestionSet(qs)}
}

func (f *fakeCollector) StartSession(_ context.Context, id delivery.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeCollector) FetchQuestions(context.Context) (domain.QuestionSet, error) {
	return f.questions, nil
}

func (f *fakeCollector) SendChunk(_ context.Context, _ delivery.Identity, chunk domain.MediaChunk) delivery.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
	return delivery.Success()
}

func (f *fakeCollector) SendFinal(_ context.Context, b delivery.Bundle) delivery.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finals = append(f.finals, b)
	return delivery.Success()
}

func (f *fakeCollector) NotifyComplete(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, sessionID)
	return nil
}

func (f *fakeCollector) snapshot() (chunks []domain.MediaChunk, finals []delivery.Bundle, notified []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.MediaChunk(nil), f.chunks...),
		append([]delivery.Bundle(nil), f.finals...),
		append([]string(nil), f.notified...)
}

type testServer struct {
	srv   *httptest.Server
	store *store.SQLiteStore
	sm    *SessionManager
}

func testOptions() Options {
	cfg := session.DefaultConfig()
	cfg.AdvanceDelay = 10 * time.Millisecond
	cfg.UnloadTimeout = 500 * time.Millisecond
	cfg.StopTimeout = 2 * time.Second
	cfg.FinalRetryDelay = 10 * time.Millisecond
	return Options{
		Session: cfg,
		Speech: speech.Config{
			NoSpeechTimeout: time.Second,
			SilenceTimeout:  50 * time.Millisecond,
			FallbackWindow:  200 * time.Millisecond,
			TickInterval:    50 * time.Millisecond,
		},
		ChunkInterval: 30 * time.Millisecond,
		IsDev:         true,
	}
}

func newTestServer(t *testing.T, col Collector) *testServer {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "chunks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sm := NewSessionManager()
	srv := httptest.NewServer(NewHandler(ctx, st, col, sm, testOptions(), nil))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: st, sm: sm}
}

// page plays the browser side of the bridge.
type page struct {
	t    *testing.T
	ws   *websocket.Conn
	msgs chan wsMessage
}

func (ts *testServer) dial(t *testing.T) *page {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.srv.URL, "http"), nil)
	require.NoError(t, err)

	p := &page{t: t, ws: ws, msgs: make(chan wsMessage, 256)}
	go func() {
		defer close(p.msgs)
		for {
			_, data, err := ws.Read(context.Background())
			if err != nil {
				return
			}
			var msg wsMessage
			if json.Unmarshal(data, &msg) == nil {
				p.msgs <- msg
			}
		}
	}()
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return p
}

func (p *page) send(msg wsMessage) {
	p.t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(p.t, err)
	require.NoError(p.t, p.ws.Write(context.Background(), websocket.MessageText, data))
}

func (p *page) sendMedia(frame string) {
	p.t.Helper()
	require.NoError(p.t, p.ws.Write(context.Background(), websocket.MessageBinary, []byte(frame)))
}

func (p *page) next() wsMessage {
	p.t.Helper()
	select {
	case msg, ok := <-p.msgs:
		require.True(p.t, ok, "connection closed")
		return msg
	case <-time.After(5 * time.Second):
		p.t.Fatal("timed out waiting for a message")
	}
	return wsMessage{}
}

func (p *page) expect(typ string) wsMessage {
	p.t.Helper()
	for {
		if msg := p.next(); msg.Type == typ {
			return msg
		}
	}
}

func (p *page) hello() string {
	p.t.Helper()
	p.send(wsMessage{Type: msgHello, Name: "Ada Lovelace", Email: "ada@example.com"})
	msg := p.expect(msgSession)
	require.NotEmpty(p.t, msg.SessionID)
	return msg.SessionID
}

// interview answers every question until the session reaches a terminal
// status and returns everything the server sent.
func (p *page) interview() []wsMessage {
	p.t.Helper()
	var seen []wsMessage
	var spoken string
	for {
		msg := p.next()
		seen = append(seen, msg)
		switch msg.Type {
		case msgAcquire:
			p.send(wsMessage{Type: msgMediaReady})
			p.sendMedia("frame-0;")
			p.sendMedia("frame-1;")
		case msgSpeak:
			spoken = msg.Text
			p.send(wsMessage{Type: msgSpeechEnd, ID: msg.ID})
		case msgListenOn:
			p.send(wsMessage{Type: msgRecognition, Text: "answer to " + spoken, Final: true})
			p.send(wsMessage{Type: msgRecognitionEnd})
		case msgStopRec:
			// MediaRecorder.stop() hands over one last blob.
			p.sendMedia("tail;")
			p.send(wsMessage{Type: msgMediaEnd})
		case msgStatus:
			if domain.Status(msg.Status).IsTerminal() {
				return seen
			}
		}
	}
}

func indexOf(msgs []wsMessage, typ string) int {
	for i, m := range msgs {
		if m.Type == typ {
			return i
		}
	}
	return -1
}

func joined(chunks []domain.MediaChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.Write(c.Payload)
	}
	return b.String()
}

func ofType(msgs []wsMessage, typ string) []wsMessage {
	var out []wsMessage
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func TestInterviewOverWebSocket(t *testing.T) {
	col := newFakeCollector("Q1", "Q2")
	ts := newTestServer(t, col)
	p := ts.dial(t)

	sessionID := p.hello()
	p.send(wsMessage{Type: msgStart})
	seen := p.interview()

	statuses := ofType(seen, msgStatus)
	last := statuses[len(statuses)-1]
	assert.Equal(t, string(domain.StatusCompleted), last.Status)
	assert.False(t, last.Partial)

	var turns []string
	for _, m := range ofType(seen, msgTurn) {
		turns = append(turns, m.Speaker+":"+m.Text)
	}
	assert.Equal(t, []string{
		"ai:Q1", "candidate:answer to Q1",
		"ai:Q2", "candidate:answer to Q2",
	}, turns)
	stopAt, releaseAt := indexOf(seen, msgStopRec), indexOf(seen, msgRelease)
	require.NotEqual(t, -1, stopAt)
	require.NotEqual(t, -1, releaseAt)
	assert.Less(t, stopAt, releaseAt, "recorder stopped before devices are released")

	chunks, finals, notified := col.snapshot()
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.Equal(t, i, c.SequenceIndex)
		assert.Equal(t, sessionID, c.SessionID)
	}
	assert.Equal(t, "frame-0;frame-1;tail;", joined(chunks))
	require.Len(t, finals, 1)
	assert.False(t, finals[0].Partial)
	assert.Contains(t, finals[0].Transcript, "Candidate: answer to Q2")
	assert.Equal(t, []string{sessionID}, notified)

	sess, err := ts.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, sess.Status)
	left, err := ts.store.ListAll(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDisconnectHardStopsInterview(t *testing.T) {
	col := newFakeCollector("Q1", "Q2")
	ts := newTestServer(t, col)
	p := ts.dial(t)

	sessionID := p.hello()
	p.send(wsMessage{Type: msgStart})
	p.expect(msgAcquire)
	p.send(wsMessage{Type: msgMediaReady})
	p.sendMedia("frame-0;")
	p.expect(msgSpeak)
	require.NoError(t, p.ws.Close(websocket.StatusGoingAway, "tab closed"))

	require.Eventually(t, func() bool {
		sess, err := ts.store.GetSession(context.Background(), sessionID)
		return err == nil && sess.Status == domain.StatusFailed && sess.Partial
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, finals, _ := col.snapshot()
		return len(finals) == 1 && finals[0].Partial
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return ts.sm.Get(sessionID) == nil }, 5*time.Second, 10*time.Millisecond)

	kept, err := ts.store.ListAll(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "frame-0;", joined(kept))
}

func TestOfflinePausesPageRecorder(t *testing.T) {
	col := newFakeCollector("Q1", "Q2")
	ts := newTestServer(t, col)
	p := ts.dial(t)

	sessionID := p.hello()
	p.send(wsMessage{Type: msgStart})
	p.expect(msgAcquire)
	p.send(wsMessage{Type: msgMediaReady})
	p.sendMedia("HDR-cluster1-")
	p.expect(msgSpeak)

	p.send(wsMessage{Type: msgOffline})
	p.expect(msgPause)
	p.send(wsMessage{Type: msgOnline})
	p.expect(msgResume)

	p.sendMedia("cluster2-")
	p.send(wsMessage{Type: msgUnload})
	p.expect(msgStopRec)
	p.sendMedia("cluster3")
	p.send(wsMessage{Type: msgMediaEnd})

	require.Eventually(t, func() bool {
		sess, err := ts.store.GetSession(context.Background(), sessionID)
		return err == nil && sess.Status == domain.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	kept, err := ts.store.ListAll(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "HDR-cluster1-cluster2-cluster3", joined(kept))
}

func TestMediaPermissionDeniedFailsSession(t *testing.T) {
	ts := newTestServer(t, newFakeCollector("Q1"))
	p := ts.dial(t)

	p.hello()
	p.send(wsMessage{Type: msgStart})
	p.expect(msgAcquire)
	p.send(wsMessage{Type: msgMediaError, Reason: reasonPermission})

	n := p.expect(msgNotice)
	assert.Equal(t, string(session.NoticeDeviceError), n.Kind)
	assert.Contains(t, n.Message, "denied")
	assert.Equal(t, string(domain.StatusFailed), p.expect(msgStatus).Status)
}

func TestHelloFailsWhenCollectorRejects(t *testing.T) {
	col := newFakeCollector("Q1")
	col.startErr = errors.New("collector down")
	ts := newTestServer(t, col)
	p := ts.dial(t)

	p.send(wsMessage{Type: msgHello, Name: "Ada"})
	msg := p.expect(msgError)
	assert.Contains(t, msg.Message, "Could not start the session")
}

func TestHelloRequiresName(t *testing.T) {
	ts := newTestServer(t, newFakeCollector("Q1"))
	p := ts.dial(t)

	p.send(wsMessage{Type: msgHello, Name: "  "})
	assert.Equal(t, "name is required", p.expect(msgError).Message)
}

func TestStartWithoutSessionIsRejected(t *testing.T) {
	ts := newTestServer(t, newFakeCollector("Q1"))
	p := ts.dial(t)

	p.send(wsMessage{Type: msgStart})
	assert.Equal(t, "no session to start", p.expect(msgError).Message)
}

func TestPingPong(t *testing.T) {
	ts := newTestServer(t, newFakeCollector("Q1"))
	p := ts.dial(t)

	p.send(wsMessage{Type: msgPing})
	p.expect(msgPong)
}

func TestCheckOriginRejectsForeignOrigin(t *testing.T) {
	opts := testOptions()
	opts.IsDev = false
	opts.AllowedOrigin = "https://interview.example.com"
	h := NewHandler(context.Background(), nil, nil, NewSessionManager(), opts, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws/interview", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set("Origin", "https://interview.example.com")
	assert.True(t, h.checkOrigin(req))
}
