package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/interviewd/internal/capture"
	"github.com/ashureev/interviewd/internal/delivery"
	"github.com/ashureev/interviewd/internal/domain"
	"github.com/ashureev/interviewd/internal/session"
	"github.com/ashureev/interviewd/internal/speech"
	"github.com/ashureev/interviewd/internal/store"
	"github.com/coder/websocket"
)

// readLimit bounds one media frame from the page.
const readLimit = 8 << 20

// Collector is the collection service as used by the bridge.
type Collector interface {
	delivery.Agent
	StartSession(ctx context.Context, id delivery.Identity) error
	FetchQuestions(ctx context.Context) (domain.QuestionSet, error)
}

// Options configure interviews started through the bridge.
type Options struct {
	Session       session.Config
	Speech        speech.Config
	ChunkInterval time.Duration
	AllowedOrigin string
	IsDev         bool
	// Health optionally probes the recognition backend before each interview.
	Health speech.HealthChecker
}

// Handler serves /ws/interview.
type Handler struct {
	baseCtx   context.Context
	store     store.ChunkStore
	collector Collector
	sm        *SessionManager
	opts      Options
	logger    *slog.Logger
}

// NewHandler creates the interview WebSocket handler. Interviews run under
// baseCtx; cancelling it hard-stops every running interview.
func NewHandler(baseCtx context.Context, st store.ChunkStore, collector Collector, sm *SessionManager, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		baseCtx:   baseCtx,
		store:     st,
		collector: collector,
		sm:        sm,
		opts:      opts,
		logger:    logger.With("component", "bridge"),
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("WebSocket connection request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(readLimit)

	c := newConn(ws, h.logger)
	defer c.closeSocket(websocket.StatusNormalClosure, "session ended")

	h.readLoop(r.Context(), c)
	h.teardown(c)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	if origin == h.opts.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}

//nolint:gocognit // Message dispatch must coordinate devices, speech and the orchestrator.
func (h *Handler) readLoop(ctx context.Context, c *Conn) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client")
			} else {
				h.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			c.pushMedia(data)
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("Ignoring malformed message", "error", err)
			continue
		}

		switch msg.Type {
		case msgHello:
			h.hello(ctx, c, msg)
		case msgStart:
			h.start(ctx, c)
		case msgMediaReady:
			c.resolveAcquire(nil)
		case msgMediaError:
			c.resolveAcquire(mediaError(msg.Reason))
		case msgMediaEnd:
			c.endMedia()
		case msgSpeechEnd:
			c.resolveSpeak(msg.ID)
		case msgRecognition:
			kind := speech.EventInterim
			if msg.Final {
				kind = speech.EventFinal
			}
			c.recognitionEvent(speech.RecognitionEvent{Kind: kind, Text: msg.Text})
		case msgRecognitionError:
			c.recognitionEvent(speech.RecognitionEvent{Kind: speech.EventError, Code: msg.Error})
		case msgRecognitionEnd:
			c.recognitionEvent(speech.RecognitionEvent{Kind: speech.EventEnd})
		case msgOnline:
			if o := c.orchestrator(); o != nil {
				o.NetworkUp()
			}
		case msgOffline:
			if o := c.orchestrator(); o != nil {
				o.NetworkDown()
			}
		case msgUnload:
			c.mu.Lock()
			c.unloaded = true
			c.mu.Unlock()
			if o := c.orchestrator(); o != nil {
				o.HardStop()
			}
		case msgPing:
			if err := c.send(wsMessage{Type: msgPong}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
			}
		default:
			h.logger.Debug("Ignoring unknown message", "type", msg.Type)
		}
	}
}

func (h *Handler) hello(ctx context.Context, c *Conn, msg wsMessage) {
	c.mu.Lock()
	existing := c.sess
	c.mu.Unlock()
	if existing != nil {
		_ = c.send(wsMessage{Type: msgError, Message: "session already created"})
		return
	}

	name := strings.TrimSpace(msg.Name)
	if name == "" {
		_ = c.send(wsMessage{Type: msgError, Message: "name is required"})
		return
	}

	sess := domain.NewSession(domain.Candidate{Name: name, Email: msg.Email}, time.Now())
	if err := h.collector.StartSession(ctx, delivery.IdentityOf(sess)); err != nil {
		h.logger.Error("Failed to start session", "session_id", sess.ID, "error", err)
		_ = c.send(wsMessage{Type: msgError, Message: "Could not start the session. Try again."})
		return
	}
	if err := h.store.SaveSession(ctx, sess); err != nil {
		h.logger.Error("Failed to save session", "session_id", sess.ID, "error", err)
		_ = c.send(wsMessage{Type: msgError, Message: "Could not start the session. Try again."})
		return
	}

	c.mu.Lock()
	c.sess = sess
	c.logger = c.logger.With("session_id", sess.ID)
	c.mu.Unlock()
	h.sm.Register(sess.ID, c)

	_ = c.send(wsMessage{Type: msgSession, SessionID: sess.ID})
}

func (h *Handler) start(ctx context.Context, c *Conn) {
	c.mu.Lock()
	sess, running := c.sess, c.orch != nil
	c.mu.Unlock()
	if sess == nil || running {
		_ = c.send(wsMessage{Type: msgError, Message: "no session to start"})
		return
	}

	questions, err := h.collector.FetchQuestions(ctx)
	if err != nil {
		h.logger.Error("Failed to load questions", "session_id", sess.ID, "error", err)
		_ = c.send(wsMessage{Type: msgError, Message: "Could not load questions from server."})
		return
	}

	pipeline := capture.NewPipeline(c, h.opts.ChunkInterval, h.logger.With("session_id", sess.ID))
	// A hard stop waits UnloadTimeout for capture, so the page gets half of it
	// to hand over its last recorder blob.
	pipeline.SetDrainTimeout(h.opts.Session.UnloadTimeout / 2)
	adapter := speech.NewAdapter(h.opts.Speech, c, c, c, h.logger.With("session_id", sess.ID))
	if h.opts.Health != nil {
		adapter.SetHealthChecker(h.opts.Health)
	}

	orch, err := session.New(h.opts.Session, session.Deps{
		Capture:  pipeline,
		Delivery: h.collector,
		Asker:    adapter,
		Store:    h.store,
		Notifier: c,
	}, sess, h.logger)
	if err != nil {
		h.logger.Error("Failed to create orchestrator", "session_id", sess.ID, "error", err)
		_ = c.send(wsMessage{Type: msgError, Message: "Could not start the interview."})
		return
	}

	c.mu.Lock()
	c.orch = orch
	c.mu.Unlock()

	// Start waits for the page to grant devices, which arrives on this read loop.
	go func() {
		if err := orch.Start(h.baseCtx, questions); err != nil {
			h.logger.Warn("Interview did not start", "session_id", sess.ID, "error", err)
		}
	}()
}

// teardown hard-stops an interview whose page went away and waits, bounded,
// for it to settle.
func (h *Handler) teardown(c *Conn) {
	c.markClosed()

	c.mu.Lock()
	sess, orch, unloaded := c.sess, c.orch, c.unloaded
	c.mu.Unlock()

	if sess != nil {
		defer h.sm.Unregister(sess.ID, c)
	}
	if orch == nil {
		return
	}

	orch.HardStop()
	wait := 2*h.opts.Session.UnloadTimeout + time.Second
	select {
	case <-orch.Done():
	case <-time.After(wait):
		h.logger.Warn("Interview did not settle after disconnect", "session_id", sess.ID)
	}
	h.logger.Info("Interview connection ended", "session_id", sess.ID,
		"status", orch.Snapshot().Status, "unloaded", unloaded)
}
