package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/evhome/chargectl/internal/store"
)

func TestCalculateSurplusCore_BatteryPrioLowSOCReservesCapped(t *testing.T) {
	got := calculateSurplusCore(store.StrategySurplusBatteryPrio, 6000, 1000, 50, 2000)
	assert.InDelta(t, 1800, got, 0.01)
}

func TestCalculateSurplusCore_BatteryPrioHighSOCReservesActualChargePower(t *testing.T) {
	got := calculateSurplusCore(store.StrategySurplusBatteryPrio, 6000, 1000, 98, 800)
	assert.InDelta(t, 3780, got, 0.01)
}

func TestCalculateSurplusCore_VehiclePrioOnlyCountsDischargingBattery(t *testing.T) {
	charging := calculateSurplusCore(store.StrategySurplusVehiclePrio, 5000, 1000, 50, 2000)
	assert.InDelta(t, 4000, charging, 0.01) // charging battery is not free watts

	discharging := calculateSurplusCore(store.StrategySurplusVehiclePrio, 5000, 1000, 50, -1500)
	assert.InDelta(t, 2500, discharging, 0.01)
}

func TestCalculateSurplusCore_MaxWithBatteryAddsDischargeMagnitude(t *testing.T) {
	got := calculateSurplusCore(store.StrategyMaxWithBattery, 3000, 1000, 50, -1000)
	assert.InDelta(t, 3000, got, 0.01)
}

func TestCalculateSurplusCore_MaxWithoutBatteryIgnoresBattery(t *testing.T) {
	got := calculateSurplusCore(store.StrategyMaxWithoutBattery, 3000, 1000, 50, -5000)
	assert.InDelta(t, 2000, got, 0.01)
}

func TestCalculateSurplusCore_NeverNegative(t *testing.T) {
	got := calculateSurplusCore(store.StrategySurplusVehiclePrio, 500, 4000, 50, 0)
	assert.Equal(t, 0.0, got)
}

func TestCalculateSurplusCore_OffIsAlwaysZero(t *testing.T) {
	assert.Equal(t, 0.0, calculateSurplusCore(store.StrategyOff, 9000, 0, 10, 9000))
}
