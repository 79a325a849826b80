package media

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// readDeadline bounds each ReadFromUDP call so Close can be observed
// promptly without a dedicated stop channel.
const readDeadline = 100 * time.Millisecond

// AudioSink receives decapsulated caller audio payload bytes as they
// arrive. It is the AI-RT Session's caller-audio sink.
type AudioSink interface {
	PushCallerAudio(payload []byte)
}

// Receiver is a per-call UDP listener bound to 127.0.0.1:rtp-port. It
// strips the 12-byte RTP header from each datagram and forwards the
// payload to an AudioSink, and records the first remote address it sees
// so the Sender knows where to send outbound audio.
type Receiver struct {
	conn   *net.UDPConn
	sink   AudioSink
	logger *slog.Logger

	onSource func(*net.UDPAddr)

	closed  atomic.Bool
	wg      sync.WaitGroup

	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64

	sourceOnce sync.Once
}

// NewReceiver binds a UDP listener on 127.0.0.1:port and returns a Receiver
// ready to Start. onSource is invoked exactly once, with the address of the
// first inbound datagram (Call.rtp-source).
func NewReceiver(port int, sink AudioSink, onSource func(*net.UDPAddr), logger *slog.Logger) (*Receiver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return nil, err
	}
	return &Receiver{
		conn:     conn,
		sink:     sink,
		onSource: onSource,
		logger:   logger.With("subsystem", "rtp-receiver", "port", port),
	}, nil
}

// Start launches the read loop in a background goroutine.
func (r *Receiver) Start() {
	r.wg.Add(1)
	go r.readLoop()
}

func (r *Receiver) readLoop() {
	defer r.wg.Done()

	buf := make([]byte, 2048)
	for {
		if r.closed.Load() {
			return
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if r.closed.Load() {
				return
			}
			r.logger.Warn("rtp receiver read error, demoting to closed", "error", err)
			return
		}

		r.sourceOnce.Do(func() {
			if r.onSource != nil {
				r.onSource(addr)
			}
		})

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		r.packetsReceived.Add(1)
		r.bytesReceived.Add(uint64(len(pkt.Payload)))

		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		r.sink.PushCallerAudio(payload)
	}
}

// PacketsReceived returns the running count of datagrams that were long
// enough to carry an RTP header.
func (r *Receiver) PacketsReceived() uint64 { return r.packetsReceived.Load() }

// BytesReceived returns the running count of payload bytes forwarded to
// the sink.
func (r *Receiver) BytesReceived() uint64 { return r.bytesReceived.Load() }

// Close is idempotent; after it returns, the read loop has exited and
// further datagrams (if any arrive before the OS releases the port) are
// impossible to observe.
func (r *Receiver) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := r.conn.Close()
	r.wg.Wait()
	return err
}
