// Package night is the minute-aligned time-window scheduler that drives the
// nightly charging window: entering sets up the inverter (discharge lock,
// optional grid charge) before enabling the wallbox, exiting mirrors that in
// reverse, and any inverter-side failure rolls ControlState back atomically
// so a half-entered window never persists. Grounded on the teacher's
// ticker-driven worker shape (src/battery_soc_worker.go) for the scheduling
// loop; overlapping ticks are skipped by a mutex-guarded busy flag.
package night

import (
	"context"
	"sync"
	"time"

	"github.com/evhome/chargectl/internal/logx"
	"github.com/evhome/chargectl/internal/notify"
	"github.com/evhome/chargectl/internal/store"
)

// WallboxSender is the subset of the wallbox transport the scheduler needs;
// night-charging starts/stops fire-and-forget, mirroring the broadcast
// listener's X1 path rather than the strategy controller's validated
// request/response path.
type WallboxSender interface {
	SendCommandNoResponse(ip, text string) error
}

// CLIGateway is the subset of the inverter CLI gateway the scheduler needs.
type CLIGateway interface {
	EnableNightCharging(ctx context.Context, settings store.Settings) (string, error)
	DisableNightCharging(ctx context.Context, settings store.Settings) (string, error)
}

// Scheduler owns the boolean operation lock mandated by §5: overlapping
// entry/exit sequences across ticks must never run concurrently.
type Scheduler struct {
	store    store.Store
	notifier notify.Notifier
	log      *logx.Logger
	wallbox  WallboxSender
	cli      CLIGateway

	mu   sync.Mutex
	busy bool
}

// New constructs a Scheduler. cli may be nil when inverter integration is
// disabled; entry/exit then only drive the wallbox.
func New(st store.Store, notifier notify.Notifier, log *logx.Logger, wallbox WallboxSender, cli CLIGateway) *Scheduler {
	return &Scheduler{store: st, notifier: notifier, log: log, wallbox: wallbox, cli: cli}
}

// Run ticks once a minute, aligned to the wall-clock minute boundary, until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		now := nowFunc()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-timer.C:
			s.Tick(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Tick evaluates the window against ControlState.NightCharging and drives
// entry/exit as needed. A tick arriving while a previous one's sequence is
// still running is dropped rather than queued.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		s.log.Debug("night: tick skipped, previous sequence still running")
		return
	}
	s.busy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		s.log.Error("night: cannot read settings: %v", err)
		return
	}
	control, err := s.store.GetControlState(ctx)
	if err != nil {
		s.log.Error("night: cannot read control state: %v", err)
		return
	}

	schedule := settings.NightCharging
	if !schedule.Enabled {
		if control.NightCharging {
			s.exit(ctx, settings, control)
		}
		return
	}

	inside, err := inWindow(schedule, nowFunc())
	if err != nil {
		s.log.Error("night: invalid schedule: %v", err)
		return
	}

	switch {
	case inside && !control.NightCharging:
		s.enter(ctx, settings, control)
	case !inside && control.NightCharging:
		s.exit(ctx, settings, control)
	}
}

// enter sets ControlState before any external call, so a tick firing again
// before the sequence finishes observes nightCharging already true and does
// not re-issue it. A failed inverter call rolls the state back atomically
// and the wallbox is never started.
func (s *Scheduler) enter(ctx context.Context, settings store.Settings, control store.ControlState) {
	gridCharge := settings.Inverter.Enabled && settings.Inverter.GridChargeDuringNightCharging

	previous := control
	control.NightCharging = true
	control.BatteryLock = true
	control.GridCharging = gridCharge
	if err := s.store.SetControlState(ctx, control); err != nil {
		s.log.Error("night: cannot persist control state on entry: %v", err)
		return
	}

	if s.cli != nil && settings.Inverter.Enabled {
		if _, err := s.cli.EnableNightCharging(ctx, settings); err != nil {
			s.log.Warning("night: enable night charging failed, rolling back: %v", err)
			if rerr := s.store.SetControlState(ctx, previous); rerr != nil {
				s.log.Error("night: rollback failed: %v", rerr)
			}
			s.notifier.Notify(notify.Event{Kind: notify.EventError, Message: "night charging entry failed"})
			return
		}
		s.notifier.Notify(notify.Event{Kind: notify.EventBatteryLockActivated, Message: "night charging entry"})
	}

	if err := s.wallbox.SendCommandNoResponse(settings.WallboxAddress, "ena 1"); err != nil {
		s.log.Warning("night: ena 1 failed: %v", err)
	}
	s.notifier.Notify(notify.Event{Kind: notify.EventChargingStarted, Message: "night charging window opened"})
}

// exit mirrors enter: stop the wallbox first, then release the inverter,
// rolling back to still-nightCharging on inverter failure.
func (s *Scheduler) exit(ctx context.Context, settings store.Settings, control store.ControlState) {
	if err := s.wallbox.SendCommandNoResponse(settings.WallboxAddress, "ena 0"); err != nil {
		s.log.Warning("night: ena 0 failed: %v", err)
	}
	s.notifier.Notify(notify.Event{Kind: notify.EventChargingStopped, Message: "night charging window closed"})

	previous := control
	control.NightCharging = false
	control.BatteryLock = false
	control.GridCharging = false
	if err := s.store.SetControlState(ctx, control); err != nil {
		s.log.Error("night: cannot persist control state on exit: %v", err)
		return
	}

	if s.cli != nil && settings.Inverter.Enabled {
		if _, err := s.cli.DisableNightCharging(ctx, settings); err != nil {
			s.log.Warning("night: disable night charging failed, rolling back: %v", err)
			if rerr := s.store.SetControlState(ctx, previous); rerr != nil {
				s.log.Error("night: rollback failed: %v", rerr)
			}
			s.notifier.Notify(notify.Event{Kind: notify.EventError, Message: "night charging exit failed"})
			return
		}
		s.notifier.Notify(notify.Event{Kind: notify.EventBatteryLockReleased, Message: "night charging exit"})
	}
}
