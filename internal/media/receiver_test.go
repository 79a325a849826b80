package media

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
)

type fakeSink struct {
	mu   sync.Mutex
	got  [][]byte
}

func (f *fakeSink) PushCallerAudio(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.got = append(f.got, cp)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("finding free port: %v", err)
	}
	port := l.LocalAddr().(*net.UDPAddr).Port
	l.Close()
	return port
}

func TestReceiverStripsHeaderAndForwards(t *testing.T) {
	port := freePort(t)
	sink := &fakeSink{}
	var sourceAddr *net.UDPAddr
	var mu sync.Mutex

	r, err := NewReceiver(port, sink, func(a *net.UDPAddr) {
		mu.Lock()
		sourceAddr = a
		mu.Unlock()
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	r.Start()
	defer r.Close()

	sender, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sender.Close()

	payload := make([]byte, SamplesPerPacket)
	for i := range payload {
		payload[i] = 0xAB
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadTypeULaw,
			SequenceNumber: 1,
			Timestamp:      0,
			SSRC:           0xdeadbeef,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := sender.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("sink received %d packets, want 1", sink.count())
	}
	if len(sink.got[0]) != SamplesPerPacket {
		t.Errorf("payload length = %d, want %d", len(sink.got[0]), SamplesPerPacket)
	}

	mu.Lock()
	defer mu.Unlock()
	if sourceAddr == nil {
		t.Fatal("expected onSource to be called")
	}
}

func TestReceiverDropsShortDatagram(t *testing.T) {
	port := freePort(t)
	sink := &fakeSink{}

	r, err := NewReceiver(port, sink, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	r.Start()
	defer r.Close()

	sender, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sender.Close()

	if _, err := sender.Write([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("sink received %d packets for a short datagram, want 0", sink.count())
	}
}

func TestReceiverCloseIdempotent(t *testing.T) {
	port := freePort(t)
	r, err := NewReceiver(port, &fakeSink{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	r.Start()

	if err := r.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
