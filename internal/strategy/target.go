package strategy

import (
	"math"

	"github.com/evhome/chargectl/internal/store"
)

// selectPhases picks the phase count a target-current calculation should
// use: the context's own phase count while a session is active, otherwise
// the configured physical switch for max_* strategies (fallback 1), and
// always 1 for surplus strategies (minimum start power is far lower on 1P).
func selectPhases(active store.Strategy, cc store.ChargingContext, settings store.Settings) int {
	if cc.IsActive {
		return cc.CurrentPhases
	}
	if active.IsMaxStrategy() {
		p := settings.ChargingStrategy.PhysicalPhaseSwitch
		if p != 1 && p != 3 {
			return 1
		}
		return p
	}
	return 1
}

// calculateTargetCurrent returns the desired charge current in amperes, or
// nil if surplus doesn't cover even the minimum start power for a surplus
// strategy (the caller interprets nil per strategy: stop for
// surplus_battery_prio, leave running for surplus_vehicle_prio).
func calculateTargetCurrent(active store.Strategy, surplus float64, phases int, batteryProtectionActive bool) *float64 {
	if active.IsMaxStrategy() {
		amps := store.MaxCurrentFor(phases)
		return &amps
	}

	minPower := store.MinCurrentAmps * store.PhaseVoltage * float64(phases)
	if surplus < minPower {
		return nil
	}

	amps := math.Round(surplus / (store.PhaseVoltage * float64(phases)))
	maxAmps := store.MaxCurrentFor(phases)

	if active == store.StrategySurplusVehiclePrio && batteryProtectionActive {
		amps -= 2
	}

	amps = clamp(amps, store.MinCurrentAmps, maxAmps)
	return &amps
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
