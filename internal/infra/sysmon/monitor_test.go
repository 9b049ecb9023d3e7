package sysmon

import (
	"testing"
	"time"

	"github.com/inferno-ai/inferno/internal/domain"
)

// fakeSensors is a fixture implementing Sensors.
type fakeSensors struct {
	battery    bool
	batteryPct float32
	tempC      float32
	hasTemp    bool
	cpu        float32
	mem        float32
}

func (f *fakeSensors) OnBattery() bool { return f.battery }
func (f *fakeSensors) BatteryPercent() (float32, bool) {
	return f.batteryPct, f.battery
}
func (f *fakeSensors) TemperatureC() (float32, bool) { return f.tempC, f.hasTemp }
func (f *fakeSensors) CPULoadPercent() float32       { return f.cpu }
func (f *fakeSensors) MemoryPercent() float32        { return f.mem }

func TestThermalFromCelsius(t *testing.T) {
	tests := []struct {
		c    float32
		want domain.ThermalState
	}{
		{35, domain.ThermalCool},
		{45, domain.ThermalWarm},
		{70, domain.ThermalHot},
		{85, domain.ThermalCritical},
	}
	for _, tt := range tests {
		if got := domain.ThermalFromCelsius(tt.c); got != tt.want {
			t.Errorf("ThermalFromCelsius(%f) = %v, want %v", tt.c, got, tt.want)
		}
	}
}

func TestThermalOrdering(t *testing.T) {
	if !(domain.ThermalCool < domain.ThermalWarm &&
		domain.ThermalWarm < domain.ThermalHot &&
		domain.ThermalHot < domain.ThermalCritical) {
		t.Error("thermal states must order Cool < Warm < Hot < Critical")
	}
}

// Rule table from power × thermal to profile.
func TestRecommendedProfile_Table(t *testing.T) {
	tests := []struct {
		power   domain.PowerState
		thermal domain.ThermalState
		want    domain.PerformanceProfile
	}{
		{domain.PowerAC, domain.ThermalCool, domain.ProfilePerformance},
		{domain.PowerAC, domain.ThermalWarm, domain.ProfilePerformance},
		{domain.PowerAC, domain.ThermalHot, domain.ProfileBalanced},
		{domain.PowerAC, domain.ThermalCritical, domain.ProfileEnergyEfficient},
		{domain.PowerBattery, domain.ThermalCool, domain.ProfileBalanced},
		{domain.PowerBattery, domain.ThermalWarm, domain.ProfileBalanced},
		{domain.PowerBattery, domain.ThermalHot, domain.ProfileEnergyEfficient},
		{domain.PowerBattery, domain.ThermalCritical, domain.ProfilePowerSaver},
	}
	for _, tt := range tests {
		state := domain.SystemState{Power: tt.power, Thermal: tt.thermal}
		if got := state.RecommendedProfile(); got != tt.want {
			t.Errorf("(%v, %v) = %v, want %v", tt.power, tt.thermal, got, tt.want)
		}
	}
}

func TestIsCritical(t *testing.T) {
	hot := domain.SystemState{Power: domain.PowerAC, Thermal: domain.ThermalCritical}
	if !hot.IsCritical() {
		t.Error("critical thermal should be critical")
	}

	pct := float32(5)
	lowBatt := domain.SystemState{Power: domain.PowerBattery, Thermal: domain.ThermalCool, BatteryPercent: &pct}
	if !lowBatt.IsCritical() {
		t.Error("battery under 10% should be critical")
	}

	okPct := float32(80)
	fine := domain.SystemState{Power: domain.PowerBattery, Thermal: domain.ThermalWarm, BatteryPercent: &okPct}
	if fine.IsCritical() {
		t.Error("warm on healthy battery should not be critical")
	}
}

func TestProfileCaps(t *testing.T) {
	profiles := []domain.PerformanceProfile{
		domain.ProfilePerformance, domain.ProfileBalanced,
		domain.ProfileEnergyEfficient, domain.ProfilePowerSaver,
	}
	for _, p := range profiles {
		if p.BatchSize() == 0 || p.ContextSize() == 0 {
			t.Errorf("%v has zero batch/context caps", p)
		}
	}
	if domain.ProfilePerformance.BatchSize() <= domain.ProfilePowerSaver.BatchSize() {
		t.Error("Performance batch cap should exceed PowerSaver's")
	}
	if domain.ProfilePerformance.MaxTokensPerSec() != 0 {
		t.Error("Performance should be rate-unbounded")
	}
	if domain.ProfilePowerSaver.GPULayers() != 0 {
		t.Error("PowerSaver should stay on CPU")
	}
}

func TestMonitor_Refresh(t *testing.T) {
	sensors := &fakeSensors{battery: true, batteryPct: 42, tempC: 65, hasTemp: true, cpu: 30, mem: 55}
	m := NewWithSensors(Config{Interval: time.Second}, sensors)

	state := m.Refresh()
	if state.Power != domain.PowerBattery {
		t.Errorf("Power = %v, want Battery", state.Power)
	}
	if state.BatteryPercent == nil || *state.BatteryPercent != 42 {
		t.Errorf("BatteryPercent = %v, want 42", state.BatteryPercent)
	}
	if state.Thermal != domain.ThermalHot {
		t.Errorf("Thermal = %v, want Hot", state.Thermal)
	}

	last, ok := m.LastState()
	if !ok || last.Thermal != domain.ThermalHot {
		t.Error("LastState() should return the refreshed snapshot")
	}
}

func TestMonitor_ProfileChangeCallback(t *testing.T) {
	sensors := &fakeSensors{hasTemp: true, tempC: 30}
	m := NewWithSensors(Config{Interval: time.Second}, sensors)

	var fired []domain.PerformanceProfile
	m.OnProfileChange(func(p domain.PerformanceProfile) { fired = append(fired, p) })

	m.Refresh() // Performance
	sensors.tempC = 70
	m.Refresh() // Balanced — change fires

	if m.ProfileChangeCount() != 1 {
		t.Errorf("ProfileChangeCount() = %d, want 1", m.ProfileChangeCount())
	}
	if len(fired) != 1 || fired[0] != domain.ProfileBalanced {
		t.Errorf("callback fired = %v, want [BALANCED]", fired)
	}
}
