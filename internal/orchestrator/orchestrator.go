// Package orchestrator wires the PBX-CTL event stream, the AI-RT Session,
// the RTP media pipeline, and the call registry into the state machine that
// drives one call from StasisStart to a fully torn-down cleanup. It plays
// the role the ancestor's internal/sip.Server dialog layer played for a raw
// SIP INVITE: transport events in, a serialized per-call state machine out.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/voicebridge/internal/airt"
	"github.com/flowpbx/voicebridge/internal/config"
	"github.com/flowpbx/voicebridge/internal/mailer"
	"github.com/flowpbx/voicebridge/internal/media"
	"github.com/flowpbx/voicebridge/internal/pbxctl"
	"github.com/flowpbx/voicebridge/internal/phrase"
	"github.com/flowpbx/voicebridge/internal/registry"
	"github.com/flowpbx/voicebridge/internal/transcript"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// admissionRate and admissionBurst bound how fast new calls can be accepted
// even below MAX_CONCURRENT_CALLS, absorbing a burst of simultaneous
// StasisStart events (e.g. a trunk reconnect replaying a backlog) without
// spending REST round-trips on calls that will just be rejected anyway.
const admissionRate = 20
const admissionBurst = 10

const wsCloseSettle = 300 * time.Millisecond
const ignoreLateEventsFor = 10 * time.Second

// liveCall holds the handles and timers for one in-progress call. call
// points into the Registry's own record; mu guards the timer fields, which
// can be rearmed from concurrent leg-end events.
type liveCall struct {
	call *registry.Call

	receiver       *media.Receiver
	sender         *media.Sender
	session        *airt.Session
	transcriptPath string

	audioFinished chan struct{}

	mu            sync.Mutex
	durationTimer *time.Timer
	graceTimer    *time.Timer
}

// Orchestrator is the PBX Orchestrator: it owns no transport of its own,
// instead subscribing to a pbxctl.Client's event stream and driving each
// call's Receiver, Sender, and airt.Session accordingly.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger
	runID  string

	pool *media.Pool
	reg  *registry.Registry
	pbx  *pbxctl.Client
	mail mailer.Mailer

	redirectMatcher  *phrase.Matcher
	terminateMatcher *phrase.Matcher

	admission *rate.Limiter

	liveMu sync.Mutex
	live   map[string]*liveCall

	ignoredMu sync.Mutex
	ignored   map[string]time.Time

	statsMu              sync.Mutex
	cleanupCounts        map[string]uint64
	totalPacketsReceived uint64
	totalPacketsSent     uint64
	totalSendErrors      uint64
	totalReconnects      uint64
}

// New constructs an Orchestrator. Run must be called to start consuming
// pbx's event stream.
func New(cfg *config.Config, pool *media.Pool, reg *registry.Registry, pbx *pbxctl.Client, mail mailer.Mailer, logger *slog.Logger) *Orchestrator {
	runID := uuid.NewString()
	return &Orchestrator{
		cfg:              cfg,
		logger:           logger.With("component", "orchestrator", "run_id", runID),
		runID:            runID,
		pool:             pool,
		reg:              reg,
		pbx:              pbx,
		mail:             mail,
		redirectMatcher:  phrase.New(cfg.RedirectionPhrases),
		terminateMatcher: phrase.New(cfg.TerminatePhrases),
		admission:        rate.NewLimiter(rate.Limit(admissionRate), admissionBurst),
		live:             make(map[string]*liveCall),
		ignored:          make(map[string]time.Time),
		cleanupCounts:    make(map[string]uint64),
	}
}

// Run consumes the PBX-CTL event stream until it is closed (by pbx.Stop).
// Each event is dispatched onto its own goroutine so one call's slow REST
// round-trip never stalls another call's handling.
func (o *Orchestrator) Run(ctx context.Context) {
	for ev := range o.pbx.Events() {
		ev := ev
		go o.handleEvent(ctx, ev)
	}
}

// Shutdown runs cleanup for every live call in parallel, for the
// SIGINT/SIGTERM path. It does not stop the PBX-CTL client; the caller does
// that after Shutdown returns.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.liveMu.Lock()
	ids := make([]string, 0, len(o.live))
	for id := range o.live {
		ids = append(ids, id)
	}
	o.liveMu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(callID string) {
			defer wg.Done()
			o.runCleanup(ctx, callID, registry.ReasonShutdown)
		}(id)
	}
	wg.Wait()
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev pbxctl.Event) {
	switch ev.Type {
	case pbxctl.EventStasisStart:
		if ev.Channel == nil {
			return
		}
		switch {
		case strings.HasPrefix(ev.Channel.Name, "Local/"):
			return
		case strings.HasPrefix(ev.Channel.Name, "UnicastRTP/"):
			o.handleExternalLegEnter(ctx, ev.Channel.ID)
		default:
			o.handleCallStart(ctx, ev.Channel)
		}
	case pbxctl.EventStasisEnd, pbxctl.EventChannelDestroyed:
		if ev.Channel == nil {
			return
		}
		o.handleLegEnd(ctx, ev.Channel.ID)
	case pbxctl.EventBridgeDestroyed:
		if ev.Bridge == nil {
			return
		}
		o.handleBridgeDestroyed(ctx, ev.Bridge.ID)
	}
}

func (o *Orchestrator) handleCallStart(ctx context.Context, ch *pbxctl.Channel) {
	logger := o.logger.With("channel_id", ch.ID)

	if o.reg.ActiveCallCount() >= o.cfg.MaxConcurrentCalls || !o.admission.Allow() {
		logger.Warn("rejecting call, resource exhausted")
		_ = o.pbx.HangupChannel(ctx, ch.ID)
		return
	}

	bridge, err := o.pbx.CreateBridge(ctx, "mixing,proxy_media")
	if err != nil {
		logger.Error("setup: create bridge failed", "error", err)
		_ = o.pbx.HangupChannel(ctx, ch.ID)
		return
	}

	if err := o.pbx.AddChannelToBridge(ctx, bridge.ID, ch.ID); err != nil {
		logger.Error("setup: add channel to bridge failed", "error", err)
		_ = o.pbx.DestroyBridge(ctx, bridge.ID)
		_ = o.pbx.HangupChannel(ctx, ch.ID)
		return
	}

	if err := o.pbx.AnswerChannel(ctx, ch.ID); err != nil {
		logger.Error("setup: answer failed", "error", err)
		_ = o.pbx.DestroyBridge(ctx, bridge.ID)
		_ = o.pbx.HangupChannel(ctx, ch.ID)
		return
	}

	port, err := o.pool.Acquire()
	if err != nil {
		logger.Warn("rejecting call, rtp port pool exhausted", "error", err)
		_ = o.pbx.DestroyBridge(ctx, bridge.ID)
		_ = o.pbx.HangupChannel(ctx, ch.ID)
		return
	}

	callID := ch.ID
	identity := callerIdentity(ch)
	now := time.Now()

	call := &registry.Call{
		CallID:         callID,
		CallerIdentity: identity,
		BridgeID:       bridge.ID,
		RTPPort:        port,
		CreatedAt:      now,
		LastActivity:   now,
	}
	o.reg.Insert(call)

	lc := &liveCall{
		call:           call,
		audioFinished:  make(chan struct{}, 1),
		transcriptPath: transcript.Path(o.cfg.RecordingsDir, identity, callID, now),
	}
	o.setLive(callID, lc)

	sink := transcript.New(lc.transcriptPath, o.logger)
	sender := media.NewSender(callID, o.onAudioFinished, o.logger)
	session := airt.NewSession(callID, o.airtConfig(), sender, sink, o.redirectMatcher, o.terminateMatcher, o, o.logger)

	receiver, err := media.NewReceiver(port, session, func(addr *net.UDPAddr) {
		call.RTPSource = addr.String()
		if err := sender.SetDestination(addr); err != nil {
			logger.Warn("failed to set rtp send destination", "error", err)
		}
	}, o.logger)
	if err != nil {
		logger.Error("setup: rtp receiver bind failed", "error", err)
		o.pool.Release(port)
		o.removeLive(callID)
		o.reg.Remove(callID)
		_ = o.pbx.DestroyBridge(ctx, bridge.ID)
		_ = o.pbx.HangupChannel(ctx, ch.ID)
		return
	}
	lc.receiver = receiver
	lc.sender = sender
	lc.session = session

	receiver.Start()

	if err := session.Start(ctx); err != nil {
		logger.Error("setup: airt session start failed", "error", err)
		o.runCleanup(ctx, callID, registry.ReasonSetupError)
		return
	}

	extCh, err := o.pbx.OriginateExternalMedia(ctx, pbxctl.ExternalMediaParams{
		App:            o.cfg.ARIApp,
		ExternalHost:   fmt.Sprintf("127.0.0.1:%d", port),
		Format:         "ulaw",
		Transport:      "udp",
		Encapsulation:  "rtp",
		ConnectionType: "client",
		Direction:      "both",
	})
	if err != nil {
		logger.Error("setup: originate external media failed", "error", err)
		o.runCleanup(ctx, callID, registry.ReasonSetupError)
		return
	}

	call.ExternalLegID = extCh.ID
	o.reg.MapExternalLeg(extCh.ID, callID)

	if o.cfg.CallDurationLimitSeconds > 0 {
		limit := time.Duration(o.cfg.CallDurationLimitSeconds) * time.Second
		lc.mu.Lock()
		lc.durationTimer = time.AfterFunc(limit, func() {
			logger.Info("call duration limit reached, cleaning up")
			o.runCleanup(context.Background(), callID, registry.ReasonDurationLimit)
		})
		lc.mu.Unlock()
	}

	logger.Info("call started", "call_id", callID, "caller", identity, "rtp_port", port)
}

func (o *Orchestrator) handleExternalLegEnter(ctx context.Context, channelID string) {
	callID, ok := o.reg.ResolveExternalLeg(channelID)
	if !ok {
		o.logger.Error("external leg entered with no known owning call", "channel_id", channelID)
		return
	}
	if o.reg.IsCleaned(callID) || o.isIgnored(channelID) {
		return
	}
	lc := o.getLive(callID)
	if lc == nil {
		return
	}
	if err := o.pbx.AddChannelToBridge(ctx, lc.call.BridgeID, channelID); err != nil {
		o.logger.Error("failed to add external leg to bridge", "call_id", callID, "error", err)
	}
}

func (o *Orchestrator) handleLegEnd(ctx context.Context, channelID string) {
	if o.isIgnored(channelID) {
		return
	}

	var callID string
	var isExternal bool
	if c := o.reg.Get(channelID); c != nil {
		callID = channelID
	} else if id, ok := o.reg.ResolveExternalLeg(channelID); ok {
		callID = id
		isExternal = true
	} else {
		return
	}

	if o.reg.IsCleaned(callID) {
		return
	}
	lc := o.getLive(callID)
	if lc == nil {
		return
	}

	lc.mu.Lock()
	if isExternal {
		lc.call.EndFlags.ExtEnded = true
	} else {
		lc.call.EndFlags.SIPEnded = true
	}
	bothEnded := lc.call.EndFlags.SIPEnded && lc.call.EndFlags.ExtEnded
	if bothEnded {
		if lc.graceTimer != nil {
			lc.graceTimer.Stop()
		}
	}
	lc.mu.Unlock()

	if bothEnded {
		o.runCleanup(ctx, callID, registry.ReasonBothEnded)
		return
	}

	graceMS := o.cfg.CleanupGraceMS
	if graceMS <= 0 {
		graceMS = 1500
	}
	lc.mu.Lock()
	if lc.graceTimer != nil {
		lc.graceTimer.Stop()
	}
	lc.graceTimer = time.AfterFunc(time.Duration(graceMS)*time.Millisecond, func() {
		o.runCleanup(context.Background(), callID, registry.ReasonGraceTimeout)
	})
	lc.mu.Unlock()
}

func (o *Orchestrator) handleBridgeDestroyed(ctx context.Context, bridgeID string) {
	callID, ok := o.findCallByBridge(bridgeID)
	if !ok {
		return
	}
	o.runCleanup(ctx, callID, registry.ReasonBridgeDestroyed)
}

func (o *Orchestrator) airtConfig() airt.Config {
	return airt.Config{
		URL:                   o.cfg.RealtimeURL,
		Model:                 o.cfg.RealtimeModel,
		APIKey:                o.cfg.OpenAIAPIKey,
		Voice:                 o.cfg.OpenAIVoice,
		SystemPrompt:          o.cfg.SystemPrompt,
		InitialMessage:        o.cfg.InitialMessage,
		TranscriptionModel:    o.cfg.TranscriptionModel,
		TranscriptionLanguage: o.cfg.TranscriptionLanguage,
		VADType:               o.cfg.VADType,
		VADThreshold:          o.cfg.VADThreshold,
		VADPrefixPaddingMS:    o.cfg.VADPrefixPaddingMS,
		VADSilenceDurationMS:  o.cfg.VADSilenceDurationMS,
		SilencePaddingMS:      o.cfg.SilencePaddingMS,
	}
}

func (o *Orchestrator) onAudioFinished(callID string) {
	lc := o.getLive(callID)
	if lc == nil {
		return
	}
	select {
	case lc.audioFinished <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) setLive(callID string, lc *liveCall) {
	o.liveMu.Lock()
	o.live[callID] = lc
	o.liveMu.Unlock()
}

func (o *Orchestrator) getLive(callID string) *liveCall {
	o.liveMu.Lock()
	defer o.liveMu.Unlock()
	return o.live[callID]
}

func (o *Orchestrator) removeLive(callID string) {
	o.liveMu.Lock()
	lc, ok := o.live[callID]
	if ok {
		if lc.receiver != nil {
			o.totalPacketsReceived += lc.receiver.PacketsReceived()
		}
		if lc.sender != nil {
			o.totalPacketsSent += lc.sender.PacketsSent()
			o.totalSendErrors += lc.sender.SendErrors()
		}
		if lc.session != nil {
			o.totalReconnects += lc.session.ReconnectCount()
		}
		delete(o.live, callID)
	}
	o.liveMu.Unlock()
}

func (o *Orchestrator) findCallByBridge(bridgeID string) (string, bool) {
	o.liveMu.Lock()
	defer o.liveMu.Unlock()
	for id, lc := range o.live {
		if lc.call.BridgeID == bridgeID {
			return id, true
		}
	}
	return "", false
}

func (o *Orchestrator) ignoreExternalLeg(externalLegID string, d time.Duration) {
	o.ignoredMu.Lock()
	o.ignored[externalLegID] = time.Now().Add(d)
	o.ignoredMu.Unlock()
}

func (o *Orchestrator) isIgnored(channelID string) bool {
	o.ignoredMu.Lock()
	defer o.ignoredMu.Unlock()
	until, ok := o.ignored[channelID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(o.ignored, channelID)
		return false
	}
	return true
}

func callerIdentity(ch *pbxctl.Channel) string {
	switch {
	case ch.Caller.Number != "":
		return ch.Caller.Number
	case ch.Caller.Name != "":
		return ch.Caller.Name
	case ch.ConnectedLine.Number != "":
		return ch.ConnectedLine.Number
	case ch.ConnectedLine.Name != "":
		return ch.ConnectedLine.Name
	default:
		return ""
	}
}

// AggregatePacketsReceived/Sent/SendErrors, ReconnectCount, and
// CleanupCountsByReason satisfy the metrics package's provider interfaces.

func (o *Orchestrator) AggregatePacketsReceived() uint64 {
	o.liveMu.Lock()
	sum := o.totalPacketsReceived
	for _, lc := range o.live {
		if lc.receiver != nil {
			sum += lc.receiver.PacketsReceived()
		}
	}
	o.liveMu.Unlock()
	return sum
}

func (o *Orchestrator) AggregatePacketsSent() uint64 {
	o.liveMu.Lock()
	sum := o.totalPacketsSent
	for _, lc := range o.live {
		if lc.sender != nil {
			sum += lc.sender.PacketsSent()
		}
	}
	o.liveMu.Unlock()
	return sum
}

func (o *Orchestrator) AggregateSendErrors() uint64 {
	o.liveMu.Lock()
	sum := o.totalSendErrors
	for _, lc := range o.live {
		if lc.sender != nil {
			sum += lc.sender.SendErrors()
		}
	}
	o.liveMu.Unlock()
	return sum
}

func (o *Orchestrator) ReconnectCount() uint64 {
	o.liveMu.Lock()
	sum := o.totalReconnects
	for _, lc := range o.live {
		if lc.session != nil {
			sum += lc.session.ReconnectCount()
		}
	}
	o.liveMu.Unlock()
	return sum
}

func (o *Orchestrator) CleanupCountsByReason() map[string]uint64 {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	out := make(map[string]uint64, len(o.cleanupCounts))
	for k, v := range o.cleanupCounts {
		out[k] = v
	}
	return out
}

func (o *Orchestrator) recordCleanup(reason registry.CleanupReason) {
	base, _, _ := strings.Cut(string(reason), ":")
	o.statsMu.Lock()
	o.cleanupCounts[base]++
	o.statsMu.Unlock()
}
