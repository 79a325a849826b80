package media

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func newTestSender(t *testing.T, onFinished func(string)) (*Sender, *net.UDPConn) {
	t.Helper()

	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	s := NewSender("call-1", onFinished, discardLogger())
	if err := s.SetDestination(listener.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("SetDestination: %v", err)
	}
	return s, listener
}

func TestSenderQueuesBeforeDestinationKnown(t *testing.T) {
	s := NewSender("call-1", nil, discardLogger())
	s.Start()
	defer s.End()

	s.Push(make([]byte, SamplesPerPacket*2))
	time.Sleep(60 * time.Millisecond)

	s.mu.Lock()
	queued := len(s.queue)
	s.mu.Unlock()
	if queued != 2 {
		t.Fatalf("queued = %d, want 2 packets held until a destination is set", queued)
	}

	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	if err := s.SetDestination(listener.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("SetDestination: %v", err)
	}

	readPacket(t, listener)
	readPacket(t, listener)
}

func readPacket(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read packet: %v", err)
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out
}

func TestSenderPacketFraming(t *testing.T) {
	s, listener := newTestSender(t, nil)
	s.Start()
	defer s.End()

	s.Push(make([]byte, SamplesPerPacket))

	raw := readPacket(t, listener)
	if len(raw) != HeaderSize+SamplesPerPacket {
		t.Fatalf("packet length = %d, want %d", len(raw), HeaderSize+SamplesPerPacket)
	}
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pkt.PayloadType != PayloadTypeULaw {
		t.Errorf("payload type = %d, want %d", pkt.PayloadType, PayloadTypeULaw)
	}
}

func TestSenderMonotonicSeqAndTimestamp(t *testing.T) {
	s, listener := newTestSender(t, nil)
	s.Start()
	defer s.End()

	s.Push(make([]byte, SamplesPerPacket*3))

	first := &rtp.Packet{}
	if err := first.Unmarshal(readPacket(t, listener)); err != nil {
		t.Fatalf("unmarshal first: %v", err)
	}
	second := &rtp.Packet{}
	if err := second.Unmarshal(readPacket(t, listener)); err != nil {
		t.Fatalf("unmarshal second: %v", err)
	}

	if second.SequenceNumber != first.SequenceNumber+1 {
		t.Errorf("seq2 = %d, want %d", second.SequenceNumber, first.SequenceNumber+1)
	}
	if second.Timestamp != first.Timestamp+SamplesPerPacket {
		t.Errorf("ts2 = %d, want %d", second.Timestamp, first.Timestamp+SamplesPerPacket)
	}
}

func TestSenderLeftoverBuffered(t *testing.T) {
	s, listener := newTestSender(t, nil)
	s.Start()
	defer s.End()

	s.Push(make([]byte, 100)) // less than one packet
	s.mu.Lock()
	queued := len(s.queue)
	bufLen := len(s.buffer)
	s.mu.Unlock()
	if queued != 0 || bufLen != 100 {
		t.Fatalf("after short push: queue=%d buffer=%d, want queue=0 buffer=100", queued, bufLen)
	}

	s.Push(make([]byte, 60)) // completes one packet
	pkt := readPacket(t, listener)
	if len(pkt) != HeaderSize+SamplesPerPacket {
		t.Fatalf("packet length = %d, want %d", len(pkt), HeaderSize+SamplesPerPacket)
	}
}

func TestSenderStopPlaybackDropsQueue(t *testing.T) {
	s, _ := newTestSender(t, nil)

	s.Push(make([]byte, SamplesPerPacket*5))
	s.StopPlayback()

	s.mu.Lock()
	queued := len(s.queue)
	bufLen := len(s.buffer)
	padArmed := s.padArmed
	s.mu.Unlock()

	if queued != 0 || bufLen != 0 {
		t.Fatalf("after StopPlayback: queue=%d buffer=%d, want both 0", queued, bufLen)
	}
	if !padArmed {
		t.Error("expected padArmed after StopPlayback")
	}
}

func TestSenderConsumeNeedsPaddingOnce(t *testing.T) {
	s, _ := newTestSender(t, nil)
	s.StopPlayback()

	if !s.ConsumeNeedsPadding() {
		t.Fatal("expected first ConsumeNeedsPadding to return true")
	}
	if s.ConsumeNeedsPadding() {
		t.Fatal("expected second ConsumeNeedsPadding to return false")
	}
}

func TestSenderAudioFinishedFiresOnDrainEdge(t *testing.T) {
	fired := make(chan string, 4)
	s, listener := newTestSender(t, func(callID string) { fired <- callID })
	s.Start()
	defer s.End()

	s.Push(make([]byte, SamplesPerPacket))
	readPacket(t, listener)

	select {
	case callID := <-fired:
		if callID != "call-1" {
			t.Errorf("callID = %q, want call-1", callID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audioFinished")
	}

	// Should not re-fire on subsequent idle ticks.
	select {
	case <-fired:
		t.Fatal("audioFinished fired twice for one drain edge")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSenderEndIdempotent(t *testing.T) {
	s, _ := newTestSender(t, nil)
	s.Start()

	s.End()
	s.End() // must not panic or double-close
}
