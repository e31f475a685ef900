package platform

import "sync"

// A Semaphore is a one-shot event usable across threads: clients attach
// them to submissions as wait/signal fences, and reply events on device
// requests are built from them.
type Semaphore struct {
	mu       sync.Mutex
	ch       chan struct{}
	signaled bool
	watchers []func()
}

// NewSemaphore creates an unsignaled semaphore.
func NewSemaphore() *Semaphore {
	return &Semaphore{ch: make(chan struct{})}
}

// Signal marks the semaphore signaled and releases all waiters. Signaling
// twice is a no-op. Registered watchers run on the signaling goroutine,
// outside the semaphore lock.
func (s *Semaphore) Signal() {
	s.mu.Lock()
	if s.signaled {
		s.mu.Unlock()
		return
	}
	s.signaled = true
	close(s.ch)
	watchers := s.watchers
	s.watchers = nil
	s.mu.Unlock()

	for _, f := range watchers {
		f()
	}
}

// Signaled reports the semaphore state without blocking.
func (s *Semaphore) Signaled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.signaled
}

// Wait blocks until the semaphore is signaled.
func (s *Semaphore) Wait() {
	s.mu.Lock()
	ch := s.ch
	signaled := s.signaled
	s.mu.Unlock()

	if signaled {
		return
	}
	<-ch
}

// OnSignal registers f to run once the semaphore fires. If it already
// has, f runs immediately on the calling goroutine.
func (s *Semaphore) OnSignal(f func()) {
	s.mu.Lock()
	if !s.signaled {
		s.watchers = append(s.watchers, f)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	f()
}

// Reset rearms a signaled semaphore.
func (s *Semaphore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.signaled {
		s.signaled = false
		s.ch = make(chan struct{})
	}
}
