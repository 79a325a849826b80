package airt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/voicebridge/internal/media"
	"github.com/flowpbx/voicebridge/internal/phrase"
	"github.com/flowpbx/voicebridge/internal/transcript"
	"github.com/gorilla/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer records inbound frames and lets a test push outbound ones.
type fakeServer struct {
	*httptest.Server
	mu    sync.Mutex
	conn  *websocket.Conn
	ready chan struct{}
	recvd [][]byte
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{ready: make(chan struct{}, 1)}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()
		fs.ready <- struct{}{}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fs.mu.Lock()
			fs.recvd = append(fs.recvd, data)
			fs.mu.Unlock()
		}
	}))
	return fs
}

func (fs *fakeServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case <-fs.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client to connect")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.conn
}

func (fs *fakeServer) received() [][]byte {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([][]byte, len(fs.recvd))
	copy(out, fs.recvd)
	return out
}

func testSender(t *testing.T) (*media.Sender, *net.UDPConn) {
	t.Helper()
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	s := media.NewSender("call-1", nil, discardLogger())
	if err := s.SetDestination(listener.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("SetDestination: %v", err)
	}
	return s, listener
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

type fakeCallbacks struct {
	mu          sync.Mutex
	redirects   []string
	terminates  []string
}

func (f *fakeCallbacks) OnRedirectRequest(callID, phrase string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redirects = append(f.redirects, phrase)
}

func (f *fakeCallbacks) OnTerminateRequest(callID, phrase string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminates = append(f.terminates, phrase)
}

func newTestSession(t *testing.T, url string, cb Callbacks) (*Session, *media.Sender, *transcript.Sink) {
	t.Helper()
	sender, _ := testSender(t)
	sink := transcript.New(t.TempDir()+"/t.txt", discardLogger())
	redirect := phrase.New([]string{"connecting you to the technical department"})
	terminate := phrase.New([]string{"goodbye"})

	sess := NewSession("call-1", Config{
		URL:            url,
		Voice:          "alloy",
		InitialMessage: "",
	}, sender, sink, redirect, terminate, cb, discardLogger())
	return sess, sender, sink
}

func TestSessionHandshakeSendsSessionUpdate(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.Close()

	sess, sender, _ := newTestSession(t, wsURL(fs.URL), &fakeCallbacks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Stop()
	defer sender.End()

	fs.waitConn(t)
	time.Sleep(50 * time.Millisecond)

	frames := fs.received()
	if len(frames) == 0 {
		t.Fatal("expected at least one frame sent to the server")
	}
	var msg sessionUpdateMsg
	if err := json.Unmarshal(frames[0], &msg); err != nil {
		t.Fatalf("decode session.update: %v", err)
	}
	if msg.Type != "session.update" {
		t.Errorf("type = %q, want session.update", msg.Type)
	}
	if msg.Session.TurnDetection.Type != "server_vad" {
		t.Errorf("turn detection type = %q, want server_vad", msg.Session.TurnDetection.Type)
	}
	if msg.Session.TurnDetection.Threshold == nil || *msg.Session.TurnDetection.Threshold != 0.6 {
		t.Errorf("expected default threshold 0.6")
	}
}

func TestSessionAudioDeltaPushesToSender(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.Close()

	sess, sender, _ := newTestSession(t, wsURL(fs.URL), &fakeCallbacks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Stop()
	defer sender.End()

	conn := fs.waitConn(t)
	payload := make([]byte, media.SamplesPerPacket)
	for i := range payload {
		payload[i] = 0x01
	}
	ev := map[string]any{
		"type":  "response.audio.delta",
		"delta": base64.StdEncoding.EncodeToString(payload),
	}
	b, _ := json.Marshal(ev)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := sess.TotalDeltaBytes(); got != int64(len(payload)) {
		t.Errorf("total delta bytes = %d, want %d", got, len(payload))
	}
}

func TestSessionAudioDeltaSkipsSilence(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.Close()

	sess, sender, _ := newTestSession(t, wsURL(fs.URL), &fakeCallbacks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Stop()
	defer sender.End()

	conn := fs.waitConn(t)
	silence := make([]byte, media.SamplesPerPacket)
	for i := range silence {
		silence[i] = media.SilenceByte
	}
	ev := map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(silence)}
	b, _ := json.Marshal(ev)
	conn.WriteMessage(websocket.TextMessage, b)

	time.Sleep(100 * time.Millisecond)
	if got := sess.TotalDeltaBytes(); got != 0 {
		t.Errorf("total delta bytes = %d, want 0 for all-silence delta", got)
	}
}

func TestSessionTerminatePhraseInvokesCallback(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.Close()

	cb := &fakeCallbacks{}
	sess, sender, _ := newTestSession(t, wsURL(fs.URL), cb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Stop()
	defer sender.End()

	conn := fs.waitConn(t)
	ev := map[string]any{"type": "response.audio_transcript.done", "transcript": "Thanks, goodbye."}
	b, _ := json.Marshal(ev)
	conn.WriteMessage(websocket.TextMessage, b)

	time.Sleep(100 * time.Millisecond)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.terminates) != 1 {
		t.Fatalf("terminates = %v, want 1 entry", cb.terminates)
	}
}

func TestSessionRedirectPhraseInvokesCallback(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.Close()

	cb := &fakeCallbacks{}
	sess, sender, _ := newTestSession(t, wsURL(fs.URL), cb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Stop()
	defer sender.End()

	conn := fs.waitConn(t)
	ev := map[string]any{"type": "response.audio_transcript.done", "transcript": "Okay, connecting you to the technical department"}
	b, _ := json.Marshal(ev)
	conn.WriteMessage(websocket.TextMessage, b)

	time.Sleep(100 * time.Millisecond)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.redirects) != 1 {
		t.Fatalf("redirects = %v, want 1 entry", cb.redirects)
	}
}

func TestSessionBargeInStopsPlayback(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.Close()

	sess, sender, _ := newTestSession(t, wsURL(fs.URL), &fakeCallbacks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Stop()
	defer sender.End()

	sender.Push(make([]byte, media.SamplesPerPacket*5))

	conn := fs.waitConn(t)
	ev := map[string]any{"type": "conversation.item.created", "item": map[string]any{"role": "user"}}
	b, _ := json.Marshal(ev)
	conn.WriteMessage(websocket.TextMessage, b)

	time.Sleep(100 * time.Millisecond)
	if !sess.sender.ConsumeNeedsPadding() {
		t.Error("expected padding to be armed after barge-in")
	}
}

func TestSessionUserTranscriptAppendsTranscript(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.Close()

	sess, sender, sink := newTestSession(t, wsURL(fs.URL), &fakeCallbacks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Stop()
	defer sender.End()

	conn := fs.waitConn(t)
	ev := map[string]any{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": "hello there",
	}
	b, _ := json.Marshal(ev)
	conn.WriteMessage(websocket.TextMessage, b)

	time.Sleep(100 * time.Millisecond)
	data, err := os.ReadFile(sink.Path())
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !strings.Contains(string(data), "USER: hello there") {
		t.Errorf("transcript = %q, want it to contain the USER line", string(data))
	}
}
