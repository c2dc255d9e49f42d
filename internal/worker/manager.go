// Package worker supervises the per-platform scheduler loops.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"personago/internal/scheduler"
)

var ErrUnknownPlatform = errors.New("no loop for platform")

// Loop is one platform's cadence loop.
type Loop interface {
	Platform() string
	Run(ctx context.Context) error
	Trigger()
	Status() scheduler.Status
}

type Manager struct {
	log *slog.Logger
	mu  sync.Mutex
	wg  sync.WaitGroup

	loops map[string]*loopState
}

func NewManager(log *slog.Logger) *Manager {
	return &Manager{
		log:   log,
		loops: make(map[string]*loopState),
	}
}

// Add registers a loop; it runs once Start is called.
func (m *Manager) Add(loop Loop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := loop.Platform()
	if _, ok := m.loops[name]; ok {
		return fmt.Errorf("loop for %s already registered", name)
	}
	m.loops[name] = newLoopState(loop)
	return nil
}

// Start launches every registered loop that is not already running. Loops
// stop when ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, state := range m.loops {
		if state.isRunning() {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		state.markRunning(cancel)
		m.wg.Add(1)
		go m.runLoop(loopCtx, name, state)
	}
}

func (m *Manager) runLoop(ctx context.Context, name string, state *loopState) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("loop panicked: %v", r)
			m.log.Error("platform loop crashed", "platform", name, "error", err)
			state.markStopped(err)
		}
	}()
	m.log.Info("platform loop started", "platform", name)
	err := state.loop.Run(ctx)
	state.markStopped(err)
	m.log.Info("platform loop stopped", "platform", name)
}

// Trigger wakes the platform's loop from its end-of-cycle sleep.
func (m *Manager) Trigger(platform string) error {
	state := m.get(platform)
	if state == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	state.loop.Trigger()
	return nil
}

// Stop cancels one loop; it finishes its in-flight call before returning from Run.
func (m *Manager) Stop(platform string) error {
	state := m.get(platform)
	if state == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	state.cancel()
	return nil
}

// Wait blocks until every started loop has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// LoopStatus combines the scheduler snapshot with supervision state.
type LoopStatus struct {
	scheduler.Status
	Running bool   `json:"running"`
	ExitErr string `json:"exit_error,omitempty"`
}

// Status reports every loop, sorted by platform.
func (m *Manager) Status() []LoopStatus {
	m.mu.Lock()
	states := make([]*loopState, 0, len(m.loops))
	for _, s := range m.loops {
		states = append(states, s)
	}
	m.mu.Unlock()

	out := make([]LoopStatus, 0, len(states))
	for _, s := range states {
		running, exitErr := s.snapshot()
		st := LoopStatus{Status: s.loop.Status(), Running: running}
		if exitErr != nil {
			st.ExitErr = exitErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

// Platforms lists the registered platforms.
func (m *Manager) Platforms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.loops))
	for name := range m.loops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) get(platform string) *loopState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loops[platform]
}
