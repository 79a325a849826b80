package orchestrator

import (
	"context"
	"time"

	"github.com/flowpbx/voicebridge/internal/mailer"
	"github.com/flowpbx/voicebridge/internal/registry"
)

// runCleanup enters the cleanup-in-flight guard for callID and joins an
// already-running cleanup rather than duplicating it (invariant: every
// call gets exactly one owner for its teardown).
func (o *Orchestrator) runCleanup(ctx context.Context, callID string, reason registry.CleanupReason) {
	if o.reg.IsCleaned(callID) {
		return
	}
	done, started := o.reg.BeginCleanup(callID)
	if !started {
		<-done
		return
	}
	o.doCleanup(ctx, callID, reason)
	o.recordCleanup(reason)
	o.reg.FinishCleanup(callID)
}

// doCleanup runs the twelve-step teardown sequence. Every PBX-CTL call
// after step 1 is best-effort: a failure is logged and the sequence
// continues, since a half-torn-down call must never get stuck forever
// holding its RTP port or registry slot.
func (o *Orchestrator) doCleanup(ctx context.Context, callID string, reason registry.CleanupReason) {
	lc := o.getLive(callID)
	if lc == nil {
		o.logger.Warn("cleanup: no live call state found", "call_id", callID, "reason", reason)
		return
	}
	call := lc.call
	call.CleanupReason = string(reason)
	logger := o.logger.With("call_id", callID, "reason", reason)
	logger.Info("running call cleanup")

	if call.ExternalLegID != "" {
		o.ignoreExternalLeg(call.ExternalLegID, ignoreLateEventsFor)
	}

	lc.mu.Lock()
	if lc.durationTimer != nil {
		lc.durationTimer.Stop()
	}
	if lc.graceTimer != nil {
		lc.graceTimer.Stop()
	}
	lc.mu.Unlock()

	if lc.sender != nil {
		lc.sender.End()
	}

	if lc.session != nil {
		stopped := make(chan struct{})
		go func() {
			lc.session.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(wsCloseSettle):
			logger.Warn("airt session stop did not settle in time")
		}
	}

	if call.ExternalLegID != "" {
		if err := o.pbx.HangupChannel(ctx, call.ExternalLegID); err != nil {
			logger.Debug("hangup external leg failed", "error", err)
		}
	}

	if call.BridgeID != "" {
		if err := o.pbx.DestroyBridge(ctx, call.BridgeID); err != nil {
			logger.Debug("destroy bridge failed", "error", err)
		}
	}

	if !call.Redirecting {
		if err := o.pbx.HangupChannel(ctx, callID); err != nil {
			logger.Debug("hangup sip leg failed", "error", err)
		}
	}

	if lc.receiver != nil {
		_ = lc.receiver.Close()
	}

	if call.RTPPort != 0 {
		o.pool.Release(call.RTPPort)
	}

	if call.ExternalLegID != "" {
		o.reg.UnmapExternalLeg(call.ExternalLegID)
	}

	if o.cfg.EmailEnabled && !call.Redirecting && o.mail != nil {
		notif := mailer.Notification{
			CallID:         callID,
			CallerIdentity: call.CallerIdentity,
			TranscriptPath: lc.transcriptPath,
			Reason:         string(reason),
			EndedAt:        time.Now(),
		}
		if err := o.mail.SendTranscript(o.smtpConfig(), notif); err != nil {
			logger.Warn("failed to send transcript notification email", "error", err)
		}
	}

	o.removeLive(callID)
}

func (o *Orchestrator) smtpConfig() mailer.SMTPConfig {
	return mailer.SMTPConfig{
		Host:            o.cfg.SMTPHost,
		Port:            o.cfg.SMTPPort,
		From:            o.cfg.EmailFrom,
		To:              o.cfg.EmailTo,
		Username:        o.cfg.SMTPUser,
		Password:        o.cfg.SMTPPass,
		Secure:          o.cfg.SMTPSecure,
		SubjectTemplate: o.cfg.EmailSubjectTemplate,
		BodyTemplate:    o.cfg.EmailBodyTemplate,
	}
}
