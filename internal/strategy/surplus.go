package strategy

import "github.com/evhome/chargectl/internal/store"

// calculateSurplus computes the watts of PV production available to the
// wallbox under the given strategy. houseNoWb (house load with the
// wallbox's own draw subtracted back out) is derived from the live
// snapshot since the inverter reports house power including the wallbox.
func calculateSurplus(s store.Strategy, live store.LiveData) float64 {
	houseNoWb := live.HousePower - live.WallboxPower
	return calculateSurplusCore(s, live.PVPower, houseNoWb, live.BatterySOC, live.BatteryPower)
}

// calculateSurplusCore is the pure formula, split out so it can be tested
// directly against the documented scenarios without constructing a full
// LiveData value.
func calculateSurplusCore(s store.Strategy, pv, houseNoWb, soc, batt float64) float64 {
	switch s {
	case store.StrategySurplusBatteryPrio:
		total := pv - houseNoWb
		var reservation float64
		if soc < store.BatteryReservationSOCPct {
			reservation = min(total, store.MaxBatteryChargingWatts)
		} else {
			reservation = max(0, batt)
		}
		available := (total - reservation) * 0.90
		return max(0, available)

	case store.StrategySurplusVehiclePrio:
		return max(0, pv-houseNoWb+min(0, batt))

	case store.StrategyMaxWithBattery:
		dischargeAbs := 0.0
		if batt < 0 {
			dischargeAbs = -batt
		}
		return max(0, pv+dischargeAbs-houseNoWb)

	case store.StrategyMaxWithoutBattery:
		return max(0, pv-houseNoWb)

	default: // off
		return 0
	}
}
