package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/voicebridge/internal/registry"
)

// OnRedirectRequest and OnTerminateRequest implement airt.Callbacks. The
// Session already scopes callID to its own call, but a callback can still
// arrive after that call has finished cleanup (the callback fires from a
// background goroutine on a fire-and-forget basis); both check the call is
// still live before acting.
func (o *Orchestrator) OnRedirectRequest(callID, phrase string) {
	if o.reg.IsCleaned(callID) || o.getLive(callID) == nil {
		return
	}
	go o.redirectToQueue(context.Background(), callID, phrase)
}

func (o *Orchestrator) OnTerminateRequest(callID, phrase string) {
	if o.reg.IsCleaned(callID) || o.getLive(callID) == nil {
		return
	}
	go o.terminateAfterPlayback(context.Background(), callID, phrase)
}

// redirectToQueue implements §4.6.a: best-effort handoff of the SIP leg to
// a queue extension, logging but not aborting on any individual step's
// failure. It tears down everything this call owns directly rather than
// waiting on the PBX to emit a BridgeDestroyed event, then runs the normal
// idempotent cleanup to finish the registry bookkeeping.
func (o *Orchestrator) redirectToQueue(ctx context.Context, callID, phrase string) {
	if o.cfg.RedirectionQueue == "" {
		return
	}
	lc := o.getLive(callID)
	if lc == nil {
		return
	}

	lc.mu.Lock()
	if lc.call.Redirecting {
		lc.mu.Unlock()
		return
	}
	lc.call.Redirecting = true
	lc.mu.Unlock()

	logger := o.logger.With("call_id", callID, "phrase", phrase)
	logger.Info("redirecting call to queue")

	if lc.sender != nil {
		lc.sender.End()
	}
	if lc.session != nil {
		lc.session.Stop()
	}

	if extID := lc.call.ExternalLegID; extID != "" {
		o.ignoreExternalLeg(extID, ignoreLateEventsFor)
		if err := o.pbx.HangupChannel(ctx, extID); err != nil {
			logger.Warn("redirect: hangup external leg failed", "error", err)
		}
	}

	if err := o.pbx.DestroyBridge(ctx, lc.call.BridgeID); err != nil {
		logger.Warn("redirect: destroy bridge failed", "error", err)
	}

	// Receiver close and port release are left to runCleanup below: the
	// ContinueInDialplan round-trips that follow can take long enough for a
	// concurrent handleCallStart to acquire a port freed here, and a second
	// release from doCleanup would then steal it back out from under that
	// new call.
	contexts := []string{}
	if o.cfg.RedirectionQueueContext != "" {
		contexts = append(contexts, o.cfg.RedirectionQueueContext)
	}
	contexts = append(contexts, "ext-queues", "from-internal")

	succeeded := false
	for _, dialplanCtx := range contexts {
		if err := o.pbx.ContinueInDialplan(ctx, callID, dialplanCtx, o.cfg.RedirectionQueue, 1); err != nil {
			logger.Warn("redirect: continue in dialplan failed", "context", dialplanCtx, "error", err)
			continue
		}
		succeeded = true
		break
	}
	if !succeeded {
		logger.Warn("redirect: all dialplan contexts failed, hanging up sip leg")
		if err := o.pbx.HangupChannel(ctx, callID); err != nil {
			logger.Warn("redirect: hangup sip leg failed", "error", err)
		}
	}

	o.runCleanup(ctx, callID, registry.ReasonRedirectCleanup)
}

// terminateAfterPlayback implements §4.6.b: let the assistant's closing
// remark finish playing before cleanup runs, bounded by
// TERMINATE_FALLBACK_MS in case the drain-edge signal never arrives.
func (o *Orchestrator) terminateAfterPlayback(ctx context.Context, callID, phrase string) {
	lc := o.getLive(callID)
	if lc == nil {
		return
	}

	lc.mu.Lock()
	if lc.call.Redirecting {
		lc.mu.Unlock()
		return
	}
	lc.call.TerminateArmed = true
	lc.mu.Unlock()

	// audioFinished is buffered(1) and may already hold a stale drain-edge
	// token left over from an earlier response's playback. Discard it here
	// so the wait below only ever unblocks on a token deposited after
	// terminate was armed, not a leftover from before the farewell started.
	select {
	case <-lc.audioFinished:
	default:
	}

	reason := registry.CleanupReason(fmt.Sprintf("assistant-terminate:%s", phrase))

	if lc.sender == nil || lc.sender.QueueEmpty() {
		o.runCleanup(ctx, callID, reason)
		return
	}

	fallback := o.cfg.TerminateFallbackMS
	if fallback <= 0 {
		fallback = 8000
	}
	select {
	case <-lc.audioFinished:
	case <-time.After(time.Duration(fallback) * time.Millisecond):
		o.logger.Warn("terminate fallback timeout reached", "call_id", callID)
	}

	o.runCleanup(ctx, callID, reason)
}
