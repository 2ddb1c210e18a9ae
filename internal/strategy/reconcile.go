package strategy

import (
	"context"
	"time"

	"github.com/evhome/chargectl/internal/store"
	"github.com/evhome/chargectl/internal/wallbox"
)

// reconcile reads report 2 and report 3 ground truth from the wallbox and
// corrects ChargingContext if it has drifted from what the device actually
// reports. It returns the plug status from report 2 (-1 if unavailable) for
// use by shouldStartCharging in the same evaluation, and the wallbox's own
// draw in watts decoded from report 3's "P" field (-1 if unavailable) so the
// caller can fold it into LiveData.WallboxPower before computing surplus.
func (c *Controller) reconcile(ctx context.Context, cc *store.ChargingContext, settings store.Settings, now time.Time) (plugStatus int, wallboxWatts float64) {
	ip := settings.WallboxAddress
	plugStatus = -1
	wallboxWatts = -1

	r2, err := c.wallbox.SendCommand(ctx, ip, "report 2")
	if err != nil {
		c.log.Warning("reconcile: report 2 failed: %v", err)
		return plugStatus, wallboxWatts
	}
	if plug, ok := r2.Float("Plug"); ok {
		plugStatus = int(plug)
	}

	r3, err := c.wallbox.SendCommand(ctx, ip, "report 3")
	if err != nil {
		c.log.Warning("reconcile: report 3 failed: %v", err)
		return plugStatus, wallboxWatts
	}

	state, _ := r2.Float("State")
	power, _ := r3.Float("P")
	wallboxWatts = power / 1_000_000 // P is microwatts
	reallyCharging := int(state) == 3 && power > 1_000_000

	phases := detectedPhases(settings.ChargingStrategy.ActiveStrategy, r3)

	switch {
	case cc.IsActive && !reallyCharging:
		cc.IsActive = false
		cc.CurrentAmpere = 0
		cc.TargetAmpere = 0
	case !cc.IsActive && reallyCharging:
		cc.IsActive = true
		cc.CurrentPhases = phases
		cc.CurrentAmpere = backComputeAmperage(r3)
		cc.TargetAmpere = cc.CurrentAmpere
		cc.LastStartedAt = now
	case cc.IsActive && reallyCharging && cc.CurrentPhases != phases:
		cc.CurrentPhases = phases
	}
	return plugStatus, wallboxWatts
}

// detectedPhases counts per-phase currents above 500mA for max_* strategies
// (1 active -> 1P, more than 1 -> 3P, none -> default 3P); surplus
// strategies always force 1P.
func detectedPhases(active store.Strategy, r3 wallbox.Reply) int {
	if active.IsSurplusStrategy() {
		return 1
	}
	active3Count := 0
	for _, key := range []string{"I1", "I2", "I3"} {
		if v, ok := r3.Float(key); ok && v > 0.5 {
			active3Count++
		}
	}
	if active3Count == 1 {
		return 1
	}
	return 3
}

func backComputeAmperage(r3 wallbox.Reply) float64 {
	highest := 0.0
	for _, key := range []string{"I1", "I2", "I3"} {
		if v, ok := r3.Float(key); ok && v > highest {
			highest = v
		}
	}
	return highest
}
