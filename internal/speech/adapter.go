package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Adapter asks one question at a time and waits for the answer.
type Adapter struct {
	cfg       Config
	synth     Synthesizer
	rec       Recognizer
	countdown Countdown
	health    HealthChecker
	logger    *slog.Logger

	listening   atomic.Bool
	unavailable atomic.Bool
}

// NewAdapter creates an adapter. A nil countdown disables the visible timer.
func NewAdapter(cfg Config, synth Synthesizer, rec Recognizer, countdown Countdown, logger *slog.Logger) *Adapter {
	def := DefaultConfig()
	if cfg.NoSpeechTimeout <= 0 {
		cfg.NoSpeechTimeout = def.NoSpeechTimeout
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = def.SilenceTimeout
	}
	if cfg.FallbackWindow <= 0 {
		cfg.FallbackWindow = def.FallbackWindow
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if countdown == nil {
		countdown = noopCountdown{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:       cfg,
		synth:     synth,
		rec:       rec,
		countdown: countdown,
		logger:    logger.With("component", "speech"),
	}
}

// SetHealthChecker installs a recognition backend probe used by Ready.
func (a *Adapter) SetHealthChecker(h HealthChecker) {
	a.health = h
}

// Ready probes the recognition backend and reports whether recognition is
// available. A failed probe switches the adapter to the countdown fallback.
func (a *Adapter) Ready(ctx context.Context) bool {
	if a.rec == nil {
		a.markUnavailable("no recognizer")
		return false
	}
	if a.health != nil && !a.unavailable.Load() {
		if err := a.health.Check(ctx); err != nil {
			a.markUnavailable(err.Error())
		}
	}
	return a.RecognitionAvailable()
}

// RecognitionAvailable reports whether answers are still transcribed.
func (a *Adapter) RecognitionAvailable() bool {
	return !a.unavailable.Load()
}

func (a *Adapter) markUnavailable(reason string) {
	if a.unavailable.CompareAndSwap(false, true) {
		a.logger.Warn("Speech recognition disabled for the rest of the session", "reason", reason)
	}
}

// Ask speaks the question, then listens for the answer.
func (a *Adapter) Ask(ctx context.Context, question string) AnswerResult {
	if !a.listening.CompareAndSwap(false, true) {
		return AnswerResult{Kind: NoResponse, Err: ErrListenerBusy}
	}
	defer a.listening.Store(false)

	if err := a.synth.Speak(ctx, question); err != nil {
		if ctx.Err() != nil {
			return AnswerResult{Kind: NoResponse, Err: ctx.Err()}
		}
		a.logger.Warn("Speech synthesis failed, listening anyway", "error", err)
	}

	if a.unavailable.Load() {
		return a.waitCountdown(ctx)
	}
	return a.listen(ctx)
}

func (a *Adapter) listen(ctx context.Context) AnswerResult {
	recognition, err := a.rec.Listen(ctx)
	if err != nil {
		if errors.Is(err, ErrRecognitionUnavailable) {
			a.markUnavailable(err.Error())
		}
		a.logger.Warn("Speech recognition could not start", "error", err)
		return AnswerResult{Kind: NoResponse, Err: fmt.Errorf("start recognition: %w", err)}
	}
	defer recognition.Stop()

	noSpeech := time.NewTimer(a.cfg.NoSpeechTimeout)
	defer noSpeech.Stop()

	var silence *time.Timer
	var silenceC <-chan time.Time
	defer func() {
		if silence != nil {
			silence.Stop()
		}
	}()

	var finals []string
	resolve := func() AnswerResult {
		if len(finals) == 0 {
			return AnswerResult{Kind: NoResponse}
		}
		return AnswerResult{Kind: Answered, Text: strings.Join(finals, " ")}
	}

	results := recognition.Results()
	for {
		select {
		case <-ctx.Done():
			return AnswerResult{Kind: NoResponse, Err: ctx.Err()}

		case <-noSpeech.C:
			a.logger.Debug("No speech detected")
			return AnswerResult{Kind: NoResponse}

		case <-silenceC:
			return resolve()

		case ev, ok := <-results:
			if !ok {
				return resolve()
			}
			switch ev.Kind {
			case EventInterim, EventFinal:
				noSpeech.Stop()
				if ev.Kind == EventFinal {
					if text := strings.TrimSpace(ev.Text); text != "" {
						finals = append(finals, text)
					}
				}
				if silence != nil {
					silence.Stop()
				}
				silence = time.NewTimer(a.cfg.SilenceTimeout)
				silenceC = silence.C

			case EventError:
				if IsPermanent(ev.Code) {
					a.markUnavailable(ev.Code)
					return AnswerResult{Kind: NoResponse, Err: fmt.Errorf("%w: %s", ErrRecognitionUnavailable, ev.Code)}
				}
				a.logger.Warn("Speech recognition error", "code", ev.Code)
				return resolve()

			case EventEnd:
				return resolve()
			}
		}
	}
}

// waitCountdown waits out the fallback answer window.
func (a *Adapter) waitCountdown(ctx context.Context) AnswerResult {
	remaining := a.cfg.FallbackWindow
	a.countdown.Tick(remaining)
	defer a.countdown.Done()

	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	for remaining > 0 {
		select {
		case <-ctx.Done():
			return AnswerResult{Kind: NoResponse, Err: ctx.Err()}
		case <-ticker.C:
			remaining -= a.cfg.TickInterval
			if remaining < 0 {
				remaining = 0
			}
			a.countdown.Tick(remaining)
		}
	}
	return AnswerResult{Kind: RecognitionUnavailable}
}
