package media

import (
	"fmt"
	"log/slog"
	"sync"
)

// ErrExhausted is returned by Acquire when the configured port range is
// fully allocated.
var ErrExhausted = fmt.Errorf("rtp port pool exhausted")

// Pool hands out single UDP ports from a fixed inclusive range, one per
// active call. Unlike a media relay proxy that pairs an RTP port with a
// companion RTCP port, this bridge terminates RTP on one local port per
// call (the far side is a WebSocket, not a second RTP leg), so allocation
// is over single ports rather than even/odd pairs.
type Pool struct {
	start int
	size  int
	logger *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{}
}

// NewPool creates a port pool covering [start, start+size). size is
// typically MAX_CONCURRENT_CALLS.
func NewPool(start, size int, logger *slog.Logger) (*Pool, error) {
	if start < 1024 || start > 65000 {
		return nil, fmt.Errorf("pool start must be between 1024 and 65000, got %d", start)
	}
	if size < 1 {
		return nil, fmt.Errorf("pool size must be >= 1, got %d", size)
	}

	l := logger.With("subsystem", "rtp-port-pool")
	l.Info("rtp port pool initialized", "start", start, "size", size)

	return &Pool{
		start:     start,
		size:      size,
		logger:    l,
		allocated: make(map[int]struct{}),
	}, nil
}

// Capacity returns the total number of ports in the pool's range.
func (p *Pool) Capacity() int {
	return p.size
}

// AllocatedCount returns the number of ports currently held out.
func (p *Pool) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Acquire returns the lowest free port in the range, so ports are handed
// out in ascending order and recently freed ports stay hot.
// Returns ErrExhausted if the range is saturated.
func (p *Pool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.allocated) >= p.size {
		return 0, ErrExhausted
	}

	for port := p.start; port < p.start+p.size; port++ {
		if _, taken := p.allocated[port]; !taken {
			p.allocated[port] = struct{}{}
			p.logger.Debug("rtp port acquired", "port", port, "allocated", len(p.allocated), "capacity", p.size)
			return port, nil
		}
	}
	return 0, ErrExhausted
}

// Release returns port to the free set. Releasing a port that isn't
// currently allocated (e.g. a defensive double-release by the Orchestrator)
// is a silent no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.allocated[port]; !ok {
		return
	}
	delete(p.allocated, port)
	p.logger.Debug("rtp port released", "port", port, "allocated", len(p.allocated))
}
