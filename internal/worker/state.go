package worker

import (
	"context"
	"sync"
)

type loopState struct {
	loop Loop

	mu      sync.RWMutex
	running bool
	stop    context.CancelFunc
	exitErr error
}

func newLoopState(loop Loop) *loopState {
	return &loopState{loop: loop}
}

func (s *loopState) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *loopState) markRunning(stop context.CancelFunc) {
	s.mu.Lock()
	s.running = true
	s.stop = stop
	s.exitErr = nil
	s.mu.Unlock()
}

func (s *loopState) markStopped(err error) {
	s.mu.Lock()
	s.running = false
	if s.stop != nil {
		s.stop()
	}
	s.exitErr = err
	s.mu.Unlock()
}

func (s *loopState) cancel() {
	s.mu.RLock()
	stop := s.stop
	s.mu.RUnlock()
	if stop != nil {
		stop()
	}
}

func (s *loopState) snapshot() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running, s.exitErr
}
