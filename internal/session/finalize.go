package session

import (
	"context"
	"time"

	"github.com/ashureev/interviewd/internal/capture"
	"github.com/ashureev/interviewd/internal/delivery"
	"github.com/ashureev/interviewd/internal/domain"
	"github.com/ashureev/interviewd/internal/metrics"
)

// beginFinalize stops everything that could still change the recording and
// enters Finalizing. The final send runs once capture reported Stopped and no
// chunk send is in flight.
func (o *Orchestrator) beginFinalize(reason string) {
	switch o.sess.Status {
	case domain.StatusRecording, domain.StatusPausedOffline:
	default:
		return
	}
	o.logger.Info("Finalizing interview", "reason", reason, "partial", o.sess.Partial)

	o.cancelAdvanceTimer()
	o.cancelOfflineTimers()
	o.pendingAdvance = false
	o.cancelAsk()

	o.setStatus(domain.StatusFinalizing)
	if !o.captureStopped {
		o.deps.Capture.Stop()
		o.stopTimer = time.NewTimer(o.cfg.StopTimeout)
		o.stopC = o.stopTimer.C
	}
}

func (o *Orchestrator) maybeFinalize() {
	if o.sess.Status != domain.StatusFinalizing || !o.captureStopped || o.sending {
		return
	}
	if o.stopTimer != nil {
		o.stopTimer.Stop()
		o.stopTimer = nil
		o.stopC = nil
	}
	o.runFinal(o.ctx)
}

// runFinal flushes what it can, delivers the final bundle and settles the
// terminal state: Completed with the local store cleared, or Failed with the
// store retained for recovery.
func (o *Orchestrator) runFinal(ctx context.Context) {
	id := delivery.IdentityOf(o.sess)

	for len(o.queue) > 0 {
		chunk := o.queue[0]
		res := o.deps.Delivery.SendChunk(ctx, id, chunk)
		if !res.OK() {
			o.logger.Warn("Final flush stopped at undelivered chunk", "seq", chunk.SequenceIndex, "reason", res.Reason)
			break
		}
		o.queue = o.queue[1:]
		o.delivered++
	}

	bundle := delivery.Bundle{
		Identity:   id,
		Transcript: o.sess.Transcript.Text(),
		Partial:    o.sess.Partial,
	}
	if len(o.queue) > 0 {
		bundle.Media = o.fullMedia(ctx)
	}

	res := o.sendFinal(ctx, bundle)
	if !res.OK() {
		o.logger.Error("Final delivery failed, keeping local recording for recovery",
			"attempts", o.cfg.FinalAttempts, "reason", res.Reason)
		o.notice(NoticeFinalizeFailed, "Could not complete the interview upload. It will be retried later.")
		o.finish(domain.StatusFailed)
		return
	}

	if err := o.deps.Delivery.NotifyComplete(ctx, o.sess.ID); err != nil {
		o.logger.Warn("Failed to send completion signal", "error", err)
	}
	if err := o.deps.Store.Clear(ctx, o.sess.ID); err != nil {
		o.logger.Error("Failed to clear local chunks", "error", err)
	}
	o.queue = nil
	o.notice(NoticeCompleted, "Interview uploaded successfully.")
	o.finish(domain.StatusCompleted)
}

// sendFinal retries the final send with exponential delay.
func (o *Orchestrator) sendFinal(ctx context.Context, b delivery.Bundle) delivery.Result {
	var res delivery.Result
	delay := o.cfg.FinalRetryDelay
	for attempt := 1; attempt <= o.cfg.FinalAttempts; attempt++ {
		res = o.deps.Delivery.SendFinal(ctx, b)
		if res.OK() {
			return res
		}
		o.logger.Warn("Final delivery attempt failed", "attempt", attempt, "reason", res.Reason)
		if attempt == o.cfg.FinalAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return delivery.Failure("final delivery cancelled: %v", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return res
}

// fullMedia concatenates every stored chunk of the session. If the store
// cannot be read, the undelivered chunks held in memory are used.
func (o *Orchestrator) fullMedia(ctx context.Context) []byte {
	chunks, err := o.deps.Store.ListAll(ctx, o.sess.ID)
	if err != nil || len(chunks) == 0 {
		if err != nil {
			o.logger.Error("Failed to read local chunks, sending undelivered tail only", "error", err)
		}
		chunks = o.queue
	}
	return concatChunks(chunks)
}

func concatChunks(chunks []domain.MediaChunk) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c.Payload)
	}
	media := make([]byte, 0, n)
	for _, c := range chunks {
		media = append(media, c.Payload...)
	}
	return media
}

func (o *Orchestrator) finish(status domain.Status) {
	o.setStatus(status)
	metrics.IncSessionFinished(string(status), o.sess.Partial)
	o.logger.Info("Interview finished", "status", status, "partial", o.sess.Partial,
		"delivered_chunks", o.delivered, "pending_chunks", len(o.queue))
}

// hardStop tears the session down without waiting on the network: capture is
// stopped and its last chunk persisted, the session is marked Failed and one
// bounded final send runs in the background.
func (o *Orchestrator) hardStop(reason string) {
	if o.sess.Status.IsTerminal() {
		return
	}
	o.logger.Warn("Hard stop", "reason", reason, "status", o.sess.Status)

	o.stopTimers()
	o.pendingAdvance = false
	o.cancelAsk()
	o.deps.Capture.Stop()
	o.drainCapture()

	o.sess.Partial = true
	o.finish(domain.StatusFailed)
	o.cancel()

	bundle := delivery.Bundle{
		Identity:   delivery.IdentityOf(o.sess),
		Transcript: o.sess.Transcript.Text(),
		Partial:    true,
	}
	ctx, cancel := o.detached(o.cfg.UnloadTimeout)
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		defer cancel()
		if res := o.deps.Delivery.SendFinal(ctx, bundle); !res.OK() {
			o.logger.Warn("Final send on hard stop failed", "reason", res.Reason)
		}
	}()
}

// drainCapture persists chunks flushed by Stop until Stopped arrives or the
// unload budget runs out.
func (o *Orchestrator) drainCapture() {
	if o.captureStopped || o.events == nil {
		return
	}
	ctx, cancel := o.detached(o.cfg.UnloadTimeout)
	defer cancel()
	for {
		select {
		case ev, ok := <-o.events:
			if !ok || ev.Kind == capture.EventStopped {
				o.captureStopped = true
				return
			}
			o.appendChunk(ctx, ev)
		case <-ctx.Done():
			o.logger.Warn("Capture did not stop within the unload budget")
			return
		}
	}
}
