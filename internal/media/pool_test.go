package media

import (
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestPoolAcquireAscending(t *testing.T) {
	p, err := NewPool(12000, 3, discardLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	for _, want := range []int{12000, 12001, 12002} {
		got, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if got != want {
			t.Errorf("Acquire() = %d, want %d", got, want)
		}
	}
}

func TestPoolExhausted(t *testing.T) {
	p, err := NewPool(12000, 2, discardLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if _, err := p.Acquire(); err != ErrExhausted {
		t.Fatalf("Acquire 3 err = %v, want ErrExhausted", err)
	}
}

func TestPoolReleaseAndReacquire(t *testing.T) {
	p, err := NewPool(12000, 2, discardLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	a, _ := p.Acquire()
	_, _ = p.Acquire()

	p.Release(a)
	if got := p.AllocatedCount(); got != 1 {
		t.Fatalf("AllocatedCount after release = %d, want 1", got)
	}

	got, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if got != a {
		t.Errorf("Acquire after release = %d, want %d (reused)", got, a)
	}
}

func TestPoolDoubleReleaseNoop(t *testing.T) {
	p, err := NewPool(12000, 2, discardLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	a, _ := p.Acquire()
	p.Release(a)
	p.Release(a) // should not panic or corrupt state

	if got := p.AllocatedCount(); got != 0 {
		t.Fatalf("AllocatedCount = %d, want 0", got)
	}
}

func TestPoolReleaseUnknownPortNoop(t *testing.T) {
	p, err := NewPool(12000, 2, discardLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	p.Release(9999) // never allocated
	if got := p.AllocatedCount(); got != 0 {
		t.Fatalf("AllocatedCount = %d, want 0", got)
	}
}
