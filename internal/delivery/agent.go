// Package delivery pushes chunks and the final bundle to the collection
// service. Sends never return errors: every outcome is a Result.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ashureev/interviewd/internal/domain"
	"github.com/ashureev/interviewd/internal/metrics"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// Endpoint paths on the collection service.
const (
	PathStartSession = "/start-session"
	PathQuestions    = "/questions"
	PathUploadChunk  = "/upload-chunk"
	PathFinalize     = "/finalize-session"
	PathUpload       = "/upload"
	PathMarkComplete = "/mark-complete"
)

// Upload file names expected by the collection service.
const (
	FinalVideoName      = "interview_video.webm"
	FinalTranscriptName = "interview_transcript.txt"
)

// IdempotencyHeader carries the deterministic key of a final send.
const IdempotencyHeader = "Idempotency-Key"

// finalNamespace scopes UUIDv5 idempotency keys.
var finalNamespace = uuid.MustParse("6f1c2a4e-3b7d-5e8f-9a0b-1c2d3e4f5a6b")

// Identity is the correlation data sent with every request.
type Identity struct {
	SessionID string
	Name      string
	Email     string
}

// IdentityOf extracts the identity of a session.
func IdentityOf(s *domain.Session) Identity {
	return Identity{SessionID: s.ID, Name: s.Candidate.Name, Email: s.Candidate.Email}
}

// Bundle is the final delivery of a session.
type Bundle struct {
	Identity
	Transcript string
	Partial    bool
	// Media is the full recording; nil sends the transcript only.
	Media []byte
}

// Agent is the delivery contract used by the orchestrator.
type Agent interface {
	SendChunk(ctx context.Context, id Identity, chunk domain.MediaChunk) Result
	SendFinal(ctx context.Context, b Bundle) Result
	NotifyComplete(ctx context.Context, sessionID string) error
}

// Client talks to the collection service over HTTP.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", "interviewd/1.0")
	return &Client{http: httpClient, logger: logger.With("component", "delivery")}
}

// IdempotencyKey returns the key used for every final send of a session.
func IdempotencyKey(sessionID string) string {
	return uuid.NewSHA1(finalNamespace, []byte(sessionID+"/final")).String()
}

func (c *Client) request(ctx context.Context) (*resty.Request, string) {
	reqID := uuid.NewString()
	return c.http.R().SetContext(ctx).SetHeader("X-Request-ID", reqID), reqID
}

// do executes a request and converts the outcome into a Result.
func (c *Client) do(req *resty.Request, reqID, method, path string) Result {
	start := time.Now()
	resp, err := req.Execute(method, path)
	elapsed := time.Since(start)

	var res Result
	switch {
	case err != nil:
		res = Failure("%s %s: %v", method, path, err)
	case !resp.IsSuccess():
		res = Failure("%s %s: unexpected status %d", method, path, resp.StatusCode())
		res.StatusCode = resp.StatusCode()
	default:
		res = Success()
		res.StatusCode = resp.StatusCode()
	}

	metrics.ObserveDelivery(path, res.OK(), elapsed)
	c.logger.Debug("Collection service request",
		"request_id", reqID,
		"method", method,
		"path", path,
		"status", res.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
		"result", res.String(),
	)
	return res
}

// StartSession registers the session with the collection service.
func (c *Client) StartSession(ctx context.Context, id Identity) error {
	req, reqID := c.request(ctx)
	req.SetFormData(identityForm(id))
	res := c.do(req, reqID, resty.MethodPost, PathStartSession)
	if !res.OK() {
		return errors.New(res.Reason)
	}
	return nil
}

// FetchQuestions retrieves the ordered question list.
func (c *Client) FetchQuestions(ctx context.Context) (domain.QuestionSet, error) {
	var questions []string
	req, reqID := c.request(ctx)
	req.SetResult(&questions)
	res := c.do(req, reqID, resty.MethodGet, PathQuestions)
	if !res.OK() {
		return nil, fmt.Errorf("fetch questions: %s", res.Reason)
	}
	if len(questions) == 0 {
		return nil, errors.New("fetch questions: empty question set")
	}
	return domain.NewQuestionSet(questions), nil
}

// SendChunk delivers one chunk. It does not retry.
func (c *Client) SendChunk(ctx context.Context, id Identity, chunk domain.MediaChunk) Result {
	form := identityForm(id)
	form["sequenceIndex"] = strconv.Itoa(chunk.SequenceIndex)

	req, reqID := c.request(ctx)
	req.SetFormData(form).
		SetFileReader("videoBlob", fmt.Sprintf("chunk-%d.webm", chunk.SequenceIndex), bytes.NewReader(chunk.Payload))
	res := c.do(req, reqID, resty.MethodPost, PathUploadChunk)
	if res.OK() {
		metrics.AddChunkBytes(len(chunk.Payload))
	}
	return res
}

type finalizeRequest struct {
	SessionID  string `json:"sessionId"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Transcript string `json:"transcript"`
	Partial    bool   `json:"partial"`
}

// SendFinal delivers the transcript, and the full recording when the bundle
// carries one. Repeated calls for a session send the same idempotency key.
func (c *Client) SendFinal(ctx context.Context, b Bundle) Result {
	req, reqID := c.request(ctx)
	req.SetHeader(IdempotencyHeader, IdempotencyKey(b.SessionID))

	if b.Media == nil {
		req.SetBody(finalizeRequest{
			SessionID:  b.SessionID,
			Name:       b.Name,
			Email:      b.Email,
			Transcript: b.Transcript,
			Partial:    b.Partial,
		})
		return c.do(req, reqID, resty.MethodPost, PathFinalize)
	}

	form := identityForm(b.Identity)
	form["partial"] = strconv.FormatBool(b.Partial)
	req.SetFormData(form).
		SetFileReader("video", FinalVideoName, bytes.NewReader(b.Media)).
		SetFileReader("transcript", FinalTranscriptName, bytes.NewReader([]byte(b.Transcript)))
	return c.do(req, reqID, resty.MethodPost, PathUpload)
}

// NotifyComplete sends the out-of-band completion signal.
func (c *Client) NotifyComplete(ctx context.Context, sessionID string) error {
	req, reqID := c.request(ctx)
	req.SetBody(map[string]string{"sessionId": sessionID})
	res := c.do(req, reqID, resty.MethodPost, PathMarkComplete)
	if !res.OK() {
		return fmt.Errorf("mark complete: %s", res.Reason)
	}
	return nil
}

func identityForm(id Identity) map[string]string {
	return map[string]string{
		"name":      id.Name,
		"email":     id.Email,
		"sessionId": id.SessionID,
	}
}

var _ Agent = (*Client)(nil)
