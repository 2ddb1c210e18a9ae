package store

import (
	"context"
	"sync"
)

// Store is the persistence contract the core consumes. A real implementation
// lives outside this repository (disk, database); the core only ever talks
// to this interface.
type Store interface {
	GetSettings(ctx context.Context) (Settings, error)
	SetSettings(ctx context.Context, s Settings) error

	GetControlState(ctx context.Context) (ControlState, error)
	SetControlState(ctx context.Context, s ControlState) error

	GetChargingContext(ctx context.Context) (ChargingContext, error)
	SetChargingContext(ctx context.Context, c ChargingContext) error

	GetPlugTracking(ctx context.Context) (PlugTracking, error)
	SetPlugTracking(ctx context.Context, p PlugTracking) error
}

// Memory is an in-memory Store, used by demo mode and by tests. It is safe
// for concurrent use.
type Memory struct {
	mu       sync.Mutex
	settings Settings
	control  ControlState
	context  ChargingContext
	plug     PlugTracking
}

// NewMemory creates a Memory store seeded with the given initial settings.
func NewMemory(initial Settings) *Memory {
	return &Memory{settings: initial}
}

func (m *Memory) GetSettings(context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}

func (m *Memory) SetSettings(_ context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
	return nil
}

func (m *Memory) GetControlState(context.Context) (ControlState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.control, nil
}

func (m *Memory) SetControlState(_ context.Context, s ControlState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.control = s
	return nil
}

func (m *Memory) GetChargingContext(context.Context) (ChargingContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.context, nil
}

func (m *Memory) SetChargingContext(_ context.Context, c ChargingContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.context = c
	return nil
}

func (m *Memory) GetPlugTracking(context.Context) (PlugTracking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plug, nil
}

func (m *Memory) SetPlugTracking(_ context.Context, p PlugTracking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plug = p
	return nil
}
