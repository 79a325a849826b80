package media

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// tickInterval is the RTP packetization interval for 8kHz ulaw audio: 160
// samples per packet at 8000 samples/sec.
const tickInterval = 20 * time.Millisecond

// maxSendErrors is the number of consecutive write failures after which
// the Sender closes itself rather than retrying forever.
const maxSendErrors = 10

// Sender is a per-call UDP sender that paces ulaw audio to the caller at a
// wall-clock-anchored 20ms cadence, matching the jitter characteristics of
// a hardware RTP endpoint far better than a plain ticker would under load.
//
// The destination is not always known at construction: Call.rtp-source is
// only learned from the first inbound datagram the Receiver observes, but
// the AI-RT Session (and the greeting audio it produces) starts before any
// caller audio has arrived. Audio pushed before SetDestination is called
// accumulates in the queue rather than being dropped or sent to a guessed
// address.
type Sender struct {
	callID string
	logger *slog.Logger

	onAudioFinished func(callID string)

	ssrc uint32
	seq  uint16
	ts   uint32

	mu          sync.Mutex
	conn        *net.UDPConn // nil until SetDestination succeeds
	buffer      []byte       // leftover < 160 bytes from the last push
	queue       [][]byte     // pending 160-byte packets
	wasNonEmpty bool         // tracks the drain edge
	padArmed    bool         // set by StopPlayback, consumed by the caller

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	packetsSent       atomic.Uint64
	sendErrors        atomic.Uint64
	consecutiveErrors atomic.Uint32
}

// NewSender returns a Sender ready to Start. Its destination is unset until
// SetDestination is called; audio pushed before then is queued, not sent.
func NewSender(callID string, onAudioFinished func(callID string), logger *slog.Logger) *Sender {
	return &Sender{
		callID:          callID,
		logger:          logger.With("subsystem", "rtp-sender", "call_id", callID),
		onAudioFinished: onAudioFinished,
		ssrc:            randomSSRC(),
		stopCh:          make(chan struct{}),
	}
}

// SetDestination dials the UDP socket used for outbound RTP. Only the
// first call takes effect; later calls are no-ops, since Call.rtp-source
// is fixed once observed.
func (s *Sender) SetDestination(dest *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, err := net.DialUDP("udp", nil, dest)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func randomSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure is effectively impossible on supported
		// platforms; fall back to a fixed-but-valid SSRC rather than panic.
		return 0x1
	}
	return binary.BigEndian.Uint32(b[:])
}

// Start launches the pacing loop in a background goroutine.
func (s *Sender) Start() {
	s.wg.Add(1)
	go s.pacingLoop()
}

// Push accepts any length of ulaw audio, splits it into 160-byte packets
// appended to the packet queue, and keeps any < 160 byte remainder in the
// audio buffer until the next push.
func (s *Sender) Push(data []byte) {
	if s.closed.Load() || len(data) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, data...)
	for len(s.buffer) >= SamplesPerPacket {
		packet := make([]byte, SamplesPerPacket)
		copy(packet, s.buffer[:SamplesPerPacket])
		s.queue = append(s.queue, packet)
		s.buffer = s.buffer[SamplesPerPacket:]
	}
}

// StopPlayback implements barge-in: it atomically drops the audio buffer
// and packet queue and arms the padding flag that ConsumeNeedsPadding
// reports and clears. The AI-RT Session pads the first delta of every
// response regardless of this flag.
func (s *Sender) StopPlayback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = nil
	s.queue = nil
	s.padArmed = true
}

// ConsumeNeedsPadding reports whether a padding prefix is owed to the next
// response, clearing the flag so it fires at most once.
func (s *Sender) ConsumeNeedsPadding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.padArmed {
		s.padArmed = false
		return true
	}
	return false
}

// QueueEmpty reports whether there is no pending audio left to play out,
// used by terminateAfterPlayback to skip the drain wait entirely when
// there is nothing queued.
func (s *Sender) QueueEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0 && len(s.buffer) == 0
}

// End stops the pacing timer. Any queued audio is dropped; End does not
// guarantee delivery of buffered packets.
func (s *Sender) End() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// PacketsSent returns the running count of RTP packets written to the wire.
func (s *Sender) PacketsSent() uint64 { return s.packetsSent.Load() }

// SendErrors returns the running count of write failures.
func (s *Sender) SendErrors() uint64 { return s.sendErrors.Load() }

func (s *Sender) pacingLoop() {
	defer s.wg.Done()

	start := time.Now()
	var tick int64

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		target := start.Add(time.Duration(tick) * tickInterval)
		if d := time.Until(target); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-s.stopCh:
				timer.Stop()
				return
			}
		}
		tick++

		if s.processTick() {
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
	}
}

// processTick sends the next queued packet, if any, and fires the
// drain-edge audioFinished event exactly once when the queue becomes
// empty. It returns true if the sender should stop (fatal send-error
// threshold reached). Before a destination is known, the queue is left
// untouched: nothing is popped, sent, or reported as drained.
func (s *Sender) processTick() bool {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return false
	}
	var packet []byte
	if len(s.queue) > 0 {
		packet = s.queue[0]
		s.queue = s.queue[1:]
	}
	nonEmptyNow := len(s.queue) > 0 || len(s.buffer) > 0 || packet != nil
	drainEdge := s.wasNonEmpty && !nonEmptyNow
	s.wasNonEmpty = nonEmptyNow
	s.mu.Unlock()

	if packet == nil {
		if drainEdge && s.onAudioFinished != nil {
			s.onAudioFinished(s.callID)
		}
		return false
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadTypeULaw,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: packet,
	}
	s.seq++
	s.ts += SamplesPerPacket

	buf, err := pkt.Marshal()
	if err != nil {
		s.logger.Warn("rtp marshal error", "error", err)
		return false
	}

	if _, err := conn.Write(buf); err != nil {
		s.sendErrors.Add(1)
		n := s.consecutiveErrors.Add(1)
		s.logger.Warn("rtp send error", "error", err, "consecutive_errors", n)
		if n >= maxSendErrors {
			s.logger.Warn("closing sender after too many consecutive send errors")
			return true
		}
		return false
	}

	s.consecutiveErrors.Store(0)
	s.packetsSent.Add(1)
	return false
}
