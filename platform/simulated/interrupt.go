package simulated

import "sync"

// An InterruptLine is a channel-backed edge interrupt. Multiple signals
// before a wait collapse into one wakeup, matching level-triggered hardware
// where the handler re-reads identity registers after each wake.
type InterruptLine struct {
	mu     sync.Mutex
	ch     chan struct{}
	closed bool
}

// NewInterruptLine creates an unsignaled interrupt line.
func NewInterruptLine() *InterruptLine {
	return &InterruptLine{ch: make(chan struct{}, 1)}
}

// Wait blocks until the line is signaled. It returns false once the line is
// closed.
func (l *InterruptLine) Wait() bool {
	_, ok := <-l.ch
	return ok
}

// Signal asserts the line. Signaling a closed line is a no-op.
func (l *InterruptLine) Signal() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	select {
	case l.ch <- struct{}{}:
	default:
	}
}

// Close releases any waiter and makes further waits return false.
func (l *InterruptLine) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.ch)
}
