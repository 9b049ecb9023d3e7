//go:build linux

package sysmon

import (
	"os"
	"strconv"
	"strings"
)

func platformSensors() Sensors { return linuxSensors{} }

type linuxSensors struct{}

// OnBattery checks sysfs AC adapter state; absence of a battery means AC.
func (linuxSensors) OnBattery() bool {
	data, err := os.ReadFile("/sys/class/power_supply/AC/online")
	if err == nil {
		return strings.TrimSpace(string(data)) == "0"
	}
	data, err = os.ReadFile("/sys/class/power_supply/BAT0/status")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "Discharging"
}

func (linuxSensors) BatteryPercent() (float32, bool) {
	data, err := os.ReadFile("/sys/class/power_supply/BAT0/capacity")
	if err != nil {
		return 0, false
	}
	pct, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return float32(pct), true
}

// TemperatureC reads the first thermal zone in millidegrees.
func (linuxSensors) TemperatureC() (float32, bool) {
	data, err := os.ReadFile("/sys/class/thermal/thermal_zone0/temp")
	if err != nil {
		return 0, false
	}
	milliC, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return float32(milliC) / 1000, true
}

// CPULoadPercent approximates load from the 1-minute loadavg.
func (linuxSensors) CPULoadPercent() float32 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
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

func (linuxSensors) MemoryPercent() float32 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var total, available float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, _ := strconv.ParseFloat(fields[1], 64)
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total <= 0 {
		return 0
	}
	return float32((total - available) / total * 100)
}
