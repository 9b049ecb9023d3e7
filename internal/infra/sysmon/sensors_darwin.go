//go:build darwin

package sysmon

import (
	"os/exec"
	"strconv"
	"strings"
)

func platformSensors() Sensors { return darwinSensors{} }

type darwinSensors struct{}

func pmsetBatt() string {
	out, err := exec.Command("pmset", "-g", "batt").Output()
	if err != nil {
		return ""
	}
	return string(out)
}

func (darwinSensors) OnBattery() bool {
	return strings.Contains(pmsetBatt(), "'Battery Power'")
}

func (darwinSensors) BatteryPercent() (float32, bool) {
	for _, field := range strings.Fields(pmsetBatt()) {
		if strings.HasSuffix(field, "%;") {
			pct, err := strconv.ParseFloat(strings.TrimSuffix(field, "%;"), 64)
			if err == nil {
				return float32(pct), true
			}
		}
	}
	return 0, false
}

// TemperatureC has no unprivileged source on macOS; callers fall back to the
// Cool bucket.
func (darwinSensors) TemperatureC() (float32, bool) {
	return 0, false
}

func (darwinSensors) CPULoadPercent() float32 {
	out, err := exec.Command("sysctl", "-n", "vm.loadavg").Output()
	if err != nil {
		return 0
	}
	fields := strings.Fields(strings.Trim(strings.TrimSpace(string(out)), "{}"))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	pct := float32(load * 100 / float64(max(1, numCPU())))
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (darwinSensors) MemoryPercent() float32 {
	return 0
}
