package channel

import "sync"

// strandExecutor is the Go stand-in for a boost::asio strand: a serial
// executor bound to a shared worker pool. At most one posted function runs
// at a time, in submission order, without holding a mutex across the
// callback itself.
//
// Implemented per the spec's own suggested fallback: "a single-slot task
// queue protected by a mutex: on submit, append; if no worker is in-flight,
// spawn one that drains until empty."
type strandExecutor struct {
	reactor *IOReactor

	mu      sync.Mutex
	pending []func()
	running bool
}

func newStrand(reactor *IOReactor) *strandExecutor {
	return &strandExecutor{reactor: reactor}
}

// Post submits fn for eventual, serialized execution. Safe from any goroutine.
func (s *strandExecutor) Post(fn func()) {
	s.mu.Lock()
	s.pending = append(s.pending, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.reactor.Post(s.drain)
}

func (s *strandExecutor) drain() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		runGuarded(fn)
	}
}
