package airt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/voicebridge/internal/media"
	"github.com/flowpbx/voicebridge/internal/phrase"
	"github.com/flowpbx/voicebridge/internal/retry"
	"github.com/flowpbx/voicebridge/internal/transcript"
)

const maxEventsPerTick = 5
const pumpTick = 25 * time.Millisecond

// Callbacks lets the Session cross the AI-RT-to-orchestrator boundary
// without an untyped function map. Implementations MUST defensively check
// callID against their own notion of the current call before acting, since
// callbacks fire from a background goroutine on a fire-and-forget basis.
type Callbacks interface {
	OnRedirectRequest(callID, phrase string)
	OnTerminateRequest(callID, phrase string)
}

// Config configures the handshake and phrase-matching behavior of a Session.
type Config struct {
	URL   string
	Model string
	APIKey string

	Voice                 string
	SystemPrompt          string
	InitialMessage        string
	TranscriptionModel    string
	TranscriptionLanguage string

	VADType              string
	VADThreshold         float64
	VADPrefixPaddingMS   int
	VADSilenceDurationMS int

	SilencePaddingMS int
}

// Session is the per-call AI-RT demultiplexer: it owns the WebSocket
// transport, forwards caller audio, routes assistant audio to the RTP
// Sender, and watches assistant transcripts for trigger phrases.
type Session struct {
	callID string
	cfg    Config
	logger *slog.Logger

	sender     *media.Sender
	transcript *transcript.Sink

	redirectMatcher  *phrase.Matcher
	terminateMatcher *phrase.Matcher
	callbacks        Callbacks

	conn   *Conn
	connMu sync.Mutex

	inbound        chan wireEvent
	callerAudioOut chan []byte

	mu                sync.Mutex
	firstDeltaPending bool
	terminateArmed    bool
	terminatePhrase   string
	redirecting       bool
	totalDeltaBytes   int64
	deliberateClose   bool
	handshakeDone     bool

	reconnects atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession constructs a Session. Start dials the connection and begins
// pumping events.
func NewSession(callID string, cfg Config, sender *media.Sender, sink *transcript.Sink, redirectMatcher, terminateMatcher *phrase.Matcher, callbacks Callbacks, logger *slog.Logger) *Session {
	return &Session{
		callID:            callID,
		cfg:               cfg,
		logger:            logger.With("subsystem", "airt", "call_id", callID),
		sender:            sender,
		transcript:        sink,
		redirectMatcher:   redirectMatcher,
		terminateMatcher:  terminateMatcher,
		callbacks:         callbacks,
		inbound:           make(chan wireEvent, 256),
		callerAudioOut:    make(chan []byte, 256),
		firstDeltaPending: true,
	}
}

// Start dials the AI-RT endpoint, performs the opening handshake, starts
// the RTP Sender, and launches the reader/pump goroutines.
func (s *Session) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.connectAndHandshake(ctx); err != nil {
		return fmt.Errorf("airt: initial connect: %w", err)
	}

	s.sender.Start()

	s.wg.Add(2)
	go s.readSupervisor(ctx)
	go s.pump(ctx)
	return nil
}

// Stop tears down the session's goroutines and connection. It does not
// touch the Sender; the caller (orchestrator cleanup) owns that lifecycle.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

// PushCallerAudio implements media.AudioSink: raw ulaw bytes from the RTP
// Receiver are queued for the pump goroutine to forward, so caller audio
// and AI-RT event handling share one goroutine's ordering guarantees.
func (s *Session) PushCallerAudio(payload []byte) {
	select {
	case s.callerAudioOut <- payload:
	default:
		s.logger.Warn("dropping caller audio, outbound queue full")
	}
}

// TotalDeltaBytes returns the count of non-silent assistant audio bytes
// received in the current response; response.audio.done resets it to zero.
func (s *Session) TotalDeltaBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalDeltaBytes
}

// ReconnectCount returns how many times this session's WebSocket has been
// re-established after a drop.
func (s *Session) ReconnectCount() uint64 {
	return s.reconnects.Load()
}

func (s *Session) active() bool {
	return s.cancel != nil
}

func (s *Session) connectAndHandshake(ctx context.Context) error {
	conn, err := Dial(ctx, s.cfg.URL, s.cfg.Model, s.cfg.APIKey)
	if err != nil {
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	if err := s.sendSessionUpdate(); err != nil {
		return fmt.Errorf("send session.update: %w", err)
	}

	s.mu.Lock()
	first := !s.handshakeDone
	s.handshakeDone = true
	s.mu.Unlock()

	if first && s.cfg.InitialMessage != "" {
		if err := s.sendInitialMessage(); err != nil {
			return fmt.Errorf("send initial message: %w", err)
		}
	}
	return nil
}

func (s *Session) sendSessionUpdate() error {
	var transcription *transcriptionParams
	if s.cfg.TranscriptionModel != "" {
		transcription = &transcriptionParams{
			Model:    s.cfg.TranscriptionModel,
			Language: s.cfg.TranscriptionLanguage,
		}
	}

	msg := sessionUpdateMsg{
		Type: "session.update",
		Session: sessionParamsMsg{
			Modalities:              []string{"audio", "text"},
			Voice:                   s.cfg.Voice,
			Instructions:            s.cfg.SystemPrompt,
			InputAudioFormat:        "g711_ulaw",
			OutputAudioFormat:       "g711_ulaw",
			InputAudioTranscription: transcription,
			TurnDetection: buildTurnDetection(
				s.cfg.VADType, s.cfg.VADThreshold, s.cfg.VADPrefixPaddingMS, s.cfg.VADSilenceDurationMS,
			),
		},
	}
	return s.writeJSON(msg)
}

func (s *Session) sendInitialMessage() error {
	item := conversationItemCreateMsg{
		Type: "conversation.item.create",
		Item: conversationItm{
			Type: "message",
			Role: "user",
			Content: []contentPart{
				{Type: "input_text", Text: s.cfg.InitialMessage},
			},
		},
	}
	if err := s.writeJSON(item); err != nil {
		return err
	}
	return s.writeJSON(responseCreateMsg{Type: "response.create"})
}

func (s *Session) writeJSON(v any) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("airt: no connection")
	}
	return conn.WriteJSON(v)
}

func (s *Session) readSupervisor(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		deliberate := s.deliberateClose
		s.mu.Unlock()
		if deliberate {
			s.finalizeIfArmed()
			return
		}

		s.logger.Warn("airt websocket dropped, reconnecting")
		policy := retry.Policy{MaxRetries: 3, Spacing: time.Second}
		err := policy.Run(ctx, s.active, func(n int) error {
			return s.connectAndHandshake(ctx)
		})
		if err != nil {
			s.logger.Error("airt reconnect exhausted, giving up", "error", err)
			s.finalizeIfArmed()
			return
		}
		s.reconnects.Add(1)
	}
}

func (s *Session) readLoop(ctx context.Context) {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return
	}

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("airt websocket read ended", "error", err)
			}
			return
		}

		var ev wireEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.logger.Warn("airt event decode failed", "error", err)
			continue
		}

		select {
		case s.inbound <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) pump(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(pumpTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainInbound()
			s.drainCallerAudio()
		}
	}
}

func (s *Session) drainInbound() {
	for i := 0; i < maxEventsPerTick; i++ {
		select {
		case ev, ok := <-s.inbound:
			if !ok {
				return
			}
			s.dispatch(ev)
		default:
			return
		}
	}
}

func (s *Session) drainCallerAudio() {
	for {
		select {
		case payload, ok := <-s.callerAudioOut:
			if !ok {
				return
			}
			s.sendCallerAudio(payload)
		default:
			return
		}
	}
}

func (s *Session) sendCallerAudio(payload []byte) {
	msg := inputAudioAppendMsg{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(payload),
	}
	if err := s.writeJSON(msg); err != nil {
		s.logger.Warn("failed to forward caller audio", "error", err)
	}
}

func (s *Session) dispatch(ev wireEvent) {
	switch ev.Type {
	case "session.created", "session.updated":
		s.logger.Info("airt session state", "type", ev.Type)
	case "conversation.item.created":
		if ev.Item != nil && ev.Item.Role == "user" {
			s.sender.StopPlayback()
		}
	case "response.audio.delta":
		s.handleAudioDelta(ev.Delta)
	case "response.audio_transcript.done":
		s.handleAssistantTranscript(ev.Transcript)
	case "conversation.item.input_audio_transcription.completed":
		s.transcript.Append(transcript.User, ev.Transcript)
	case "response.audio.done":
		s.handleAudioDone()
	case "error":
		s.handleWireError(ev.Error)
	}
}

func (s *Session) handleAudioDelta(b64 string) {
	if b64 == "" {
		return
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		s.logger.Warn("failed to decode audio delta", "error", err)
		return
	}
	if len(data) == 0 || isAllSilence(data) {
		return
	}

	s.mu.Lock()
	s.totalDeltaBytes += int64(len(data))
	first := s.firstDeltaPending
	s.firstDeltaPending = false
	s.mu.Unlock()

	// Prepend SilencePaddingMS of silence to the first delta of every
	// response, greeting included, not only after a barge-in: the caller's
	// jitter buffer needs the same boundary padding either way.
	// ConsumeNeedsPadding still clears StopPlayback's flag so it never
	// carries over and double-pads a later response.
	s.sender.ConsumeNeedsPadding()
	if first {
		s.sender.Push(silencePadding(s.cfg.SilencePaddingMS))
	}
	s.sender.Push(data)
}

func (s *Session) handleAssistantTranscript(text string) {
	s.transcript.Append(transcript.Assistant, text)

	s.mu.Lock()
	redirecting := s.redirecting
	terminateArmed := s.terminateArmed
	s.mu.Unlock()

	if !redirecting {
		if p, ok := s.terminateMatcher.Match(text); ok {
			s.mu.Lock()
			s.terminateArmed = true
			s.terminatePhrase = p
			s.mu.Unlock()
			if s.callbacks != nil {
				s.callbacks.OnTerminateRequest(s.callID, p)
			}
			return
		}
	}

	if !terminateArmed {
		if p, ok := s.redirectMatcher.Match(text); ok {
			s.mu.Lock()
			s.redirecting = true
			s.mu.Unlock()
			if s.callbacks != nil {
				s.callbacks.OnRedirectRequest(s.callID, p)
			}
		}
	}
}

func (s *Session) handleAudioDone() {
	s.mu.Lock()
	s.firstDeltaPending = true
	s.totalDeltaBytes = 0
	armed := s.terminateArmed
	phrase := s.terminatePhrase
	s.mu.Unlock()

	if armed && s.callbacks != nil {
		s.callbacks.OnTerminateRequest(s.callID, phrase)
	}
}

func (s *Session) handleWireError(body *wireErrorBody) {
	msg := "unknown"
	if body != nil {
		msg = body.Message
	}
	s.logger.Error("airt reported error", "message", msg)

	s.mu.Lock()
	s.deliberateClose = true
	s.mu.Unlock()

	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.connMu.Unlock()
}

func (s *Session) finalizeIfArmed() {
	s.mu.Lock()
	armed := s.terminateArmed
	phrase := s.terminatePhrase
	s.mu.Unlock()
	if armed && s.callbacks != nil {
		s.callbacks.OnTerminateRequest(s.callID, phrase)
	}
}

func isAllSilence(data []byte) bool {
	for _, b := range data {
		if b != media.SilenceByte {
			return false
		}
	}
	return true
}

func silencePadding(ms int) []byte {
	if ms <= 0 {
		ms = 100
	}
	n := ms * 8 // 8 samples/ms at 8kHz
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = media.SilenceByte
	}
	return buf
}
