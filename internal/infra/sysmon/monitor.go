// Package sysmon observes the machine's power, thermal, battery, and load
// state and recommends a performance profile to the executor.
package sysmon

import (
	"context"
	"sync"
	"time"

	"github.com/inferno-ai/inferno/internal/domain"
	"github.com/inferno-ai/inferno/internal/log"
)

// Sensors abstracts the platform-specific readings. The per-OS files provide
// the real implementation; tests substitute a fixture.
type Sensors interface {
	OnBattery() bool
	BatteryPercent() (float32, bool)
	TemperatureC() (float32, bool)
	CPULoadPercent() float32
	MemoryPercent() float32
}

// Config controls the monitor's refresh cadence.
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns the default 5-second cadence.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second}
}

// Monitor polls the sensors and derives the recommended profile.
type Monitor struct {
	mu             sync.RWMutex
	config         Config
	sensors        Sensors
	last           *domain.SystemState
	profileChanges uint32
	onProfile      func(domain.PerformanceProfile)
}

// New creates a monitor over the platform sensors.
func New(cfg Config) *Monitor {
	return NewWithSensors(cfg, platformSensors())
}

// NewWithSensors creates a monitor over explicit sensors.
func NewWithSensors(cfg Config, sensors Sensors) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Monitor{config: cfg, sensors: sensors}
}

// OnProfileChange registers a callback fired when the recommended profile
// flips between refreshes. Must be set before Run.
func (m *Monitor) OnProfileChange(fn func(domain.PerformanceProfile)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onProfile = fn
}

// Refresh reads the sensors and returns the new state.
func (m *Monitor) Refresh() domain.SystemState {
	state := m.read()

	m.mu.Lock()
	var changed bool
	var newProfile domain.PerformanceProfile
	if m.last != nil {
		old := m.last.RecommendedProfile()
		newProfile = state.RecommendedProfile()
		if old != newProfile {
			m.profileChanges++
			changed = true
		}
	}
	m.last = &state
	fn := m.onProfile
	m.mu.Unlock()

	if changed {
		log.Component("sysmon").Info().
			Str("profile", string(newProfile)).
			Msg("performance profile changed")
		if fn != nil {
			fn(newProfile)
		}
	}
	return state
}

func (m *Monitor) read() domain.SystemState {
	state := domain.SystemState{
		Power:         domain.PowerAC,
		Thermal:       domain.ThermalCool,
		CPULoad:       m.sensors.CPULoadPercent(),
		MemoryPercent: m.sensors.MemoryPercent(),
		Timestamp:     time.Now().Unix(),
	}

	if m.sensors.OnBattery() {
		state.Power = domain.PowerBattery
		if pct, ok := m.sensors.BatteryPercent(); ok {
			state.BatteryPercent = &pct
		}
	}

	if temp, ok := m.sensors.TemperatureC(); ok {
		state.TemperatureC = &temp
		state.Thermal = domain.ThermalFromCelsius(temp)
	}

	return state
}

// LastState returns the most recent snapshot, if any.
func (m *Monitor) LastState() (domain.SystemState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return domain.SystemState{}, false
	}
	return *m.last, true
}

// ProfileChangeCount returns how many times the profile has flipped.
func (m *Monitor) ProfileChangeCount() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profileChanges
}

// Run refreshes on the configured cadence until the context is cancelled.
// Call in a goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.Refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh()
		}
	}
}
