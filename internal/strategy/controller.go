// Package strategy is the charging-strategy state machine: it computes
// surplus, decides start/stop/adjust, owns the start- and stop-delay
// timers, reconciles against wallbox ground truth, and coordinates the
// battery discharge lock. Grounded on the teacher's single-owner reactive
// worker style (src/unified_inverter_enabler.go) for the overall shape,
// with governor.DurationGate standing in for the teacher's
// SteppedHysteresis/SlowRampState where this domain needs "held for N
// seconds" rather than multi-step value hysteresis.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evhome/chargectl/internal/governor"
	"github.com/evhome/chargectl/internal/logx"
	"github.com/evhome/chargectl/internal/notify"
	"github.com/evhome/chargectl/internal/store"
	"github.com/evhome/chargectl/internal/wallbox"
)

// WallboxCommander is the subset of the wallbox transport the controller
// issues request/response commands through.
type WallboxCommander interface {
	SendCommand(ctx context.Context, ip, text string) (wallbox.Reply, error)
}

// BatteryLock abstracts the inverter's discharge-lock control.
type BatteryLock interface {
	Activate(ctx context.Context) error
	Release(ctx context.Context) error
}

// StatusPusher abstracts the SSE fan-out.
type StatusPusher interface {
	PushFull(ctx context.Context)
	PushPartial(ctx context.Context, fields map[string]any)
}

// Controller is the single-writer strategy state machine.
type Controller struct {
	store    store.Store
	notifier notify.Notifier
	log      *logx.Logger
	wallbox  WallboxCommander
	lock     BatteryLock
	sse      StatusPusher
	audit    *AuditLog

	startGate   governor.DurationGate
	stopGate    governor.DurationGate
	batteryGate governor.DurationGate

	mu           sync.Mutex
	evaluating   bool
	pending      *store.LiveData
	shuttingDown bool
	wg           sync.WaitGroup
}

// New constructs a Controller. lock and sse may be nil if the inverter
// integration or SSE fan-out is disabled.
func New(st store.Store, notifier notify.Notifier, log *logx.Logger, wb WallboxCommander, lock BatteryLock, sse StatusPusher) *Controller {
	return &Controller{
		store:    st,
		notifier: notifier,
		log:      log,
		wallbox:  wb,
		lock:     lock,
		sse:      sse,
		audit:    NewAuditLog(),
	}
}

// Audit exposes the adjustment decision ring buffer.
func (c *Controller) Audit() *AuditLog { return c.audit }

// OnLiveData is the entry point called for every Live-Data Hub event and
// every fallback-tick firing. At most one evaluation runs at a time; a
// snapshot arriving mid-evaluation is coalesced into a single "latest
// pending" slot, discarding any earlier intermediate snapshot.
func (c *Controller) OnLiveData(ctx context.Context, live store.LiveData) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	if c.evaluating {
		c.pending = &live
		c.mu.Unlock()
		return
	}
	c.evaluating = true
	c.wg.Add(1)
	c.mu.Unlock()

	c.drive(ctx, live)
}

func (c *Controller) drive(ctx context.Context, live store.LiveData) {
	defer c.wg.Done()
	current := live
	for {
		c.runEvaluation(ctx, current)

		c.mu.Lock()
		next := c.pending
		c.pending = nil
		if next == nil {
			c.evaluating = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		current = *next
	}
}

// Shutdown prevents new evaluations from starting and waits for the
// currently running one (if any) to finish gracefully.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	c.shuttingDown = true
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) runEvaluation(ctx context.Context, live store.LiveData) {
	now := nowFunc()

	settings, err := c.store.GetSettings(ctx)
	if err != nil {
		c.log.Error("evaluation: cannot read settings: %v", err)
		return
	}
	active := settings.ChargingStrategy.ActiveStrategy

	if active == store.StrategyOff {
		c.stopForOff(ctx, settings)
		return
	}

	cc, err := c.store.GetChargingContext(ctx)
	if err != nil {
		c.log.Error("evaluation: cannot read charging context: %v", err)
		return
	}

	plugStatus, wallboxWatts := c.reconcile(ctx, &cc, settings, now)
	cc.Strategy = active

	if wallboxWatts >= 0 {
		live.WallboxPower = wallboxWatts
	}

	surplus := calculateSurplus(active, live)
	cc.CalculatedSurplus = surplus

	if c.shouldStopCharging(&cc, settings, surplus, now) {
		c.stopCharging(ctx, &cc, settings, "surplus too low")
		c.persist(ctx, cc)
		return
	}

	phases := selectPhases(active, cc, settings)
	c.batteryGate.Update(live.BatteryPower < -500, now)
	batteryProtectionActive := active == store.StrategySurplusVehiclePrio && c.batteryGate.Satisfied(now, 120*time.Second)

	target := calculateTargetCurrent(active, surplus, phases, batteryProtectionActive)
	if target == nil {
		if cc.IsActive && active == store.StrategySurplusBatteryPrio {
			c.stopCharging(ctx, &cc, settings, "battery has absolute priority")
		}
		// surplus_vehicle_prio: leave running through a transient dip, e.g.
		// a 1P->3P phase switch that momentarily looks like "below threshold".
		c.persist(ctx, cc)
		return
	}

	if !cc.IsActive {
		if c.shouldStartCharging(&cc, settings, surplus, plugStatus, now) {
			c.startCharging(ctx, &cc, settings, *target, phases, now)
		}
	} else {
		c.adjustCurrent(ctx, &cc, settings, *target, now)
	}
	c.persist(ctx, cc)
}

func (c *Controller) persist(ctx context.Context, cc store.ChargingContext) {
	if err := c.store.SetChargingContext(ctx, cc); err != nil {
		c.log.Error("evaluation: cannot persist charging context: %v", err)
	}
}

func (c *Controller) shouldStopCharging(cc *store.ChargingContext, settings store.Settings, surplus float64, now time.Time) bool {
	active := settings.ChargingStrategy.ActiveStrategy
	if !cc.IsActive || active.IsMaxStrategy() {
		return false
	}

	grace := 2 * pollingInterval(settings)
	if !cc.LastStartedAt.IsZero() && now.Sub(cc.LastStartedAt) < grace {
		c.stopGate.Reset()
		cc.BelowThresholdSince = nil
		cc.RemainingStopDelay = settings.ChargingStrategy.StopDelay
		return false
	}

	c.stopGate.SetSince(cc.BelowThresholdSince)
	below := surplus < settings.ChargingStrategy.StopThresholdWatts
	cc.BelowThresholdSince = c.stopGate.Update(below, now)
	cc.RemainingStopDelay = c.stopGate.Remaining(now, settings.ChargingStrategy.StopDelay)
	return c.stopGate.Satisfied(now, settings.ChargingStrategy.StopDelay)
}

func (c *Controller) shouldStartCharging(cc *store.ChargingContext, settings store.Settings, surplus float64, plugStatus int, now time.Time) bool {
	active := settings.ChargingStrategy.ActiveStrategy
	if active.IsMaxStrategy() {
		return plugStatus == 7
	}

	c.startGate.SetSince(cc.StartDelayTrackerSince)
	above := surplus >= settings.ChargingStrategy.MinStartWatts
	cc.StartDelayTrackerSince = c.startGate.Update(above, now)
	cc.RemainingStartDelay = c.startGate.Remaining(now, settings.ChargingStrategy.StartDelay)

	if !c.startGate.Satisfied(now, settings.ChargingStrategy.StartDelay) {
		return false
	}
	if plugStatus != 7 {
		c.startGate.Reset()
		cc.StartDelayTrackerSince = nil
		return false
	}
	return true
}

func (c *Controller) startCharging(ctx context.Context, cc *store.ChargingContext, settings store.Settings, target float64, phases int, now time.Time) {
	if _, err := c.wallbox.SendCommand(ctx, settings.WallboxAddress, "ena 1"); err != nil {
		c.log.Warning("startCharging: ena 1 failed: %v", err)
		return
	}
	if _, err := c.wallbox.SendCommand(ctx, settings.WallboxAddress, fmt.Sprintf("curr %d", int(target*1000))); err != nil {
		c.log.Warning("startCharging: curr failed: %v", err)
	}

	cc.IsActive = true
	cc.CurrentAmpere = target
	cc.TargetAmpere = target
	cc.CurrentPhases = phases
	cc.LastStartedAt = now
	cc.LastAdjustment = now
	cc.AdjustmentCount++
	cc.StartDelayTrackerSince = nil
	c.startGate.Reset()

	c.audit.Record(AuditEntry{At: now, Reason: "start", TargetAmpere: target})
	c.notifier.Notify(notify.Event{Kind: notify.EventChargingStarted, Message: "charging started"})
	if c.sse != nil {
		c.sse.PushFull(ctx)
	}
}

func (c *Controller) stopCharging(ctx context.Context, cc *store.ChargingContext, settings store.Settings, reason string) {
	if cc.IsActive {
		if _, err := c.wallbox.SendCommand(ctx, settings.WallboxAddress, "ena 0"); err != nil {
			c.log.Warning("stopCharging: ena 0 failed: %v", err)
		}
		c.notifier.Notify(notify.Event{Kind: notify.EventChargingStopped, Message: reason})
	}
	cc.IsActive = false
	cc.CurrentAmpere = 0
	cc.TargetAmpere = 0
	cc.BelowThresholdSince = nil
	c.stopGate.Reset()
	if c.sse != nil {
		c.sse.PushFull(ctx)
	}
}

// adjustCurrent implements command pacing: small deltas are stored but not
// sent, and deltas above threshold are buffered until minChangeInterval has
// elapsed since the last command.
func (c *Controller) adjustCurrent(ctx context.Context, cc *store.ChargingContext, settings store.Settings, target float64, now time.Time) {
	cc.TargetAmpere = target
	delta := target - cc.CurrentAmpere
	if absf(delta) < settings.ChargingStrategy.MinCurrentChangeAmpere {
		return
	}
	if now.Sub(cc.LastAdjustment) < settings.ChargingStrategy.MinChangeInterval {
		return
	}

	if _, err := c.wallbox.SendCommand(ctx, settings.WallboxAddress, fmt.Sprintf("curr %d", int(target*1000))); err != nil {
		c.log.Warning("adjustCurrent: curr failed: %v", err)
		return
	}

	previous := cc.CurrentAmpere
	cc.CurrentAmpere = target
	cc.LastAdjustment = now
	cc.AdjustmentCount++
	c.audit.Record(AuditEntry{At: now, Reason: "adjust", PreviousAmpere: previous, TargetAmpere: target})

	if absf(target-previous) >= 4 {
		c.notifier.Notify(notify.Event{
			Kind:    notify.EventCurrentAdjusted,
			Message: fmt.Sprintf("current adjusted %.1fA -> %.1fA", previous, target),
		})
	}
}

// stopForOff is the idempotency gate for the off strategy: a no-op if
// already off and inactive, and refuses entirely while the night-charging
// scheduler holds authority over the wallbox.
func (c *Controller) stopForOff(ctx context.Context, settings store.Settings) {
	cc, err := c.store.GetChargingContext(ctx)
	if err != nil {
		c.log.Error("stopForOff: cannot read charging context: %v", err)
		return
	}
	if !cc.IsActive && cc.Strategy == store.StrategyOff && settings.ChargingStrategy.ActiveStrategy == store.StrategyOff {
		c.log.Debug("stopForOff: already off")
		return
	}

	controlState, err := c.store.GetControlState(ctx)
	if err == nil && controlState.NightCharging {
		c.log.Debug("stopForOff: refusing, night-charging holds authority")
		return
	}

	if cc.IsActive {
		if _, err := c.wallbox.SendCommand(ctx, settings.WallboxAddress, "ena 0"); err != nil {
			c.log.Warning("stopForOff: ena 0 failed: %v", err)
		}
	}
	releaseLock := cc.Strategy.RequiresBatteryLock()

	cc.IsActive = false
	cc.CurrentAmpere = 0
	cc.TargetAmpere = 0
	cc.Strategy = store.StrategyOff
	if err := c.store.SetChargingContext(ctx, cc); err != nil {
		c.log.Error("stopForOff: cannot persist charging context: %v", err)
	}

	if releaseLock && c.lock != nil {
		if err := c.lock.Release(ctx); err != nil {
			c.log.Warning("stopForOff: battery lock release failed: %v", err)
		}
	}

	settings.ChargingStrategy.ActiveStrategy = store.StrategyOff
	if err := c.store.SetSettings(ctx, settings); err != nil {
		c.log.Error("stopForOff: cannot persist settings: %v", err)
	}
}

func pollingInterval(settings store.Settings) time.Duration {
	secs := settings.Inverter.PollingIntervalSeconds
	if secs <= 0 {
		secs = 10
	}
	return time.Duration(secs) * time.Second
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
