// Package gamestage tracks the world lifecycle through an atomic stage
// value, so start and shutdown transitions are race-free without a lock.
package gamestage

import "sync/atomic"

type Stage string

const (
	StagePreStart     Stage = "PreStart"     // Constructed but not started
	StageStarting     Stage = "Starting"     // StartGame has been called
	StageReady        Stage = "Ready"        // Bootstrapped and ready to tick
	StageRunning      Stage = "Running"      // Game loop is ticking
	StageShuttingDown Stage = "ShuttingDown" // Shutdown signal received
	StageShutDown     Stage = "ShutDown"     // Fully stopped
)

type Manager struct {
	current *atomic.Value
}

func NewManager() *Manager {
	m := &Manager{current: &atomic.Value{}}
	m.Store(StagePreStart)
	return m
}

func (m *Manager) CompareAndSwap(oldStage, newStage Stage) (swapped bool) {
	return m.current.CompareAndSwap(oldStage, newStage)
}

func (m *Manager) Current() Stage {
	return m.current.Load().(Stage)
}

func (m *Manager) Store(val Stage) {
	m.current.Store(val)
}

func (m *Manager) Swap(newStage Stage) (oldStage Stage) {
	return m.current.Swap(newStage).(Stage)
}
