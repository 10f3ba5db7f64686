// Package speech turns question playback and answer recognition into a single
// awaitable ask-and-listen call.
package speech

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/interviewd/internal/config"
	"github.com/ashureev/interviewd/internal/domain"
)

var (
	// ErrListenerBusy is reported when Ask is called while another Ask listens.
	ErrListenerBusy = errors.New("a listening session is already active")
	// ErrRecognitionUnavailable marks a permanent recognition failure.
	ErrRecognitionUnavailable = errors.New("speech recognition unavailable")
)

// Synthesizer plays text and returns once playback completes.
type Synthesizer interface {
	Speak(ctx context.Context, text string) error
}

// Recognizer starts a recognition session.
type Recognizer interface {
	Listen(ctx context.Context) (Recognition, error)
}

// Recognition is one running recognition session. Results closes when the
// session ends.
type Recognition interface {
	Results() <-chan RecognitionEvent
	Stop()
}

// EventKind classifies recognition events.
type EventKind int

const (
	EventInterim EventKind = iota
	EventFinal
	EventError
	EventEnd
)

// RecognitionEvent is a result, error or end notification. Code carries the
// recognizer's error code for EventError.
type RecognitionEvent struct {
	Kind EventKind
	Text string
	Code string
}

// Countdown shows the fallback answer window to the candidate.
type Countdown interface {
	Tick(remaining time.Duration)
	Done()
}

// permanentCodes are recognizer errors after which recognition is never retried.
var permanentCodes = map[string]bool{
	"network":             true,
	"not-allowed":         true,
	"service-not-allowed": true,
}

// IsPermanent reports whether an error code disables recognition for the session.
func IsPermanent(code string) bool { return permanentCodes[code] }

// AnswerKind classifies an answer.
type AnswerKind int

const (
	Answered AnswerKind = iota
	NoResponse
	RecognitionUnavailable
)

func (k AnswerKind) String() string {
	switch k {
	case Answered:
		return "answered"
	case NoResponse:
		return "no_response"
	case RecognitionUnavailable:
		return "recognition_unavailable"
	}
	return "unknown"
}

// AnswerResult is the outcome of Ask.
type AnswerResult struct {
	Kind AnswerKind
	Text string
	// Err explains a NoResponse that was not a plain timeout.
	Err error
}

// TranscriptText returns the candidate turn text for the answer.
func (r AnswerResult) TranscriptText() string {
	switch r.Kind {
	case Answered:
		return r.Text
	case RecognitionUnavailable:
		return domain.NotTranscribedText
	default:
		return domain.NoResponseText
	}
}

// Config holds listening window timings.
type Config struct {
	NoSpeechTimeout time.Duration
	SilenceTimeout  time.Duration
	FallbackWindow  time.Duration
	TickInterval    time.Duration
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		NoSpeechTimeout: 5 * time.Second,
		SilenceTimeout:  3 * time.Second,
		FallbackWindow:  15 * time.Second,
		TickInterval:    time.Second,
	}
}

// ConfigFrom builds listening timings from application configuration.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.NoSpeechTimeout = cfg.Speech.NoSpeechTimeout
	c.SilenceTimeout = cfg.Speech.SilenceTimeout
	c.FallbackWindow = cfg.Speech.FallbackAnswerWindow
	return c
}

type noopCountdown struct{}

func (noopCountdown) Tick(time.Duration) {}
func (noopCountdown) Done()              {}
