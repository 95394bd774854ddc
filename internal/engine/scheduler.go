package engine

import (
	"sync"
)

// scheduler is the single cooperative executor shared by every context of an engine.
// Tasks run one at a time, in posting order, on one goroutine.
// The queue is unbounded so tasks can post follow-up work without blocking themselves.
type scheduler struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

func newScheduler() *scheduler {
	s := &scheduler{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// post queues fn and returns immediately. It reports false once the scheduler is stopped.
func (s *scheduler) post(fn func()) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// execute queues fn and blocks until it has run.
// It must not be called from a task, which would wait on itself.
func (s *scheduler) execute(fn func() error) error {
	result := make(chan error, 1)
	if !s.post(func() { result <- fn() }) {
		return ErrEngineClosed
	}
	return <-result
}

func (s *scheduler) run() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				close(s.done)
				return
			}
			<-s.wake
			continue
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		task()
	}
}

// stop refuses new tasks, lets queued ones finish and waits for the goroutine to exit.
func (s *scheduler) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
}
