// Package broadcast reacts to the wallbox's spontaneous UDP telegrams:
// plug/state/session-energy changes feed notifications and SSE pushes, and
// the X1 potential-free contact drives the critical-path strategy
// activation independent of the main strategy controller's evaluation
// cadence. Grounded on the teacher's topic-filtering worker
// (src/mqtt_interceptor.go) generalized from MQTT topics to UDP telegrams.
package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/evhome/chargectl/internal/logx"
	"github.com/evhome/chargectl/internal/notify"
	"github.com/evhome/chargectl/internal/store"
	"github.com/evhome/chargectl/internal/udpchannel"
)

// WallboxSender is the subset of the wallbox transport the listener needs
// to drive the critical X1 fast path without waiting on the transport's
// single-in-flight request queue.
type WallboxSender interface {
	SendCommandNoResponse(ip, text string) error
}

// BatteryLock abstracts the inverter's discharge-lock control so the
// listener doesn't need to know about Modbus or the CLI gateway.
type BatteryLock interface {
	Activate(ctx context.Context) error
	Release(ctx context.Context) error
}

// StatusPusher abstracts the SSE fan-out.
type StatusPusher interface {
	PushFull(ctx context.Context)
	PushPartial(ctx context.Context, fields map[string]any)
}

// IdleResetter lets a broadcast immediately cancel the Modbus poller's idle
// throttle so a plug or input change is reflected without waiting out the
// throttled interval.
type IdleResetter interface {
	ResetIdleThrottle()
}

// Listener consumes broadcast-classified udpchannel messages.
type Listener struct {
	store    store.Store
	notifier notify.Notifier
	log      *logx.Logger
	wallbox  WallboxSender
	lock     BatteryLock
	sse      StatusPusher
	idle     IdleResetter

	mu        sync.Mutex
	lastState *int
	lastEPres *float64
	lastInput *int
}

// New constructs a Listener. lock and idle may be nil if the inverter
// integration is disabled; the listener then skips lock activation.
func New(st store.Store, notifier notify.Notifier, log *logx.Logger, wallbox WallboxSender, lock BatteryLock, sse StatusPusher, idle IdleResetter) *Listener {
	return &Listener{
		store:    st,
		notifier: notifier,
		log:      log,
		wallbox:  wallbox,
		lock:     lock,
		sse:      sse,
		idle:     idle,
	}
}

// Run processes broadcast-classified messages from sub until it's closed or
// a shutdown sentinel arrives.
func (l *Listener) Run(ctx context.Context, sub <-chan udpchannel.Message) {
	for {
		select {
		case msg, ok := <-sub:
			if !ok || msg.Shutdown {
				return
			}
			if !msg.IsBroadcast || !msg.IsJSON {
				continue
			}
			l.handle(ctx, msg.JSON)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) handle(ctx context.Context, payload map[string]any) {
	if v, ok := floatField(payload, "Plug"); ok {
		l.handlePlug(ctx, int(v))
	}
	if v, ok := floatField(payload, "State"); ok {
		l.handleState(ctx, int(v))
	}
	if v, ok := floatField(payload, "E pres"); ok {
		l.handleEPres(ctx, v)
	}
	if v, ok := floatField(payload, "Input"); ok {
		l.handleInput(ctx, int(v))
	}
}

func floatField(payload map[string]any, key string) (float64, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func (l *Listener) handlePlug(ctx context.Context, plug int) {
	tracking, err := l.store.GetPlugTracking(ctx)
	if err != nil {
		l.log.Warning("plug tracking unavailable: %v", err)
		return
	}
	if tracking.LastPlugStatus == plug {
		return
	}
	prev := tracking.LastPlugStatus
	tracking.LastPlugStatus = plug
	tracking.LastPlugChange = nowFunc()
	if err := l.store.SetPlugTracking(ctx, tracking); err != nil {
		l.log.Warning("failed to persist plug tracking: %v", err)
	}

	if plug == 7 && prev != 7 {
		l.notifier.Notify(notify.Event{Kind: notify.EventPlugConnected, Message: "vehicle connected and locked"})
	} else if prev == 7 && plug != 7 {
		l.notifier.Notify(notify.Event{Kind: notify.EventPlugDisconnected, Message: "vehicle disconnected"})
	}

	if l.sse != nil {
		l.sse.PushFull(ctx)
	}
	if l.idle != nil {
		l.idle.ResetIdleThrottle()
	}
}

func (l *Listener) handleState(ctx context.Context, state int) {
	l.mu.Lock()
	first := l.lastState == nil
	changed := !first && *l.lastState != state
	l.lastState = &state
	l.mu.Unlock()

	if first || !changed {
		return
	}
	if l.sse != nil {
		l.sse.PushPartial(ctx, map[string]any{"state": state})
		l.sse.PushFull(ctx)
	}
	if l.idle != nil {
		l.idle.ResetIdleThrottle()
	}
}

func (l *Listener) handleEPres(ctx context.Context, raw float64) {
	l.mu.Lock()
	first := l.lastEPres == nil
	changed := !first && *l.lastEPres != raw
	l.lastEPres = &raw
	l.mu.Unlock()

	if first || !changed {
		return
	}
	if l.sse != nil {
		l.sse.PushPartial(ctx, map[string]any{"ePres": raw / 10})
	}
}

func (l *Listener) handleInput(ctx context.Context, input int) {
	l.mu.Lock()
	first := l.lastInput == nil
	prev := 0
	if l.lastInput != nil {
		prev = *l.lastInput
	}
	l.lastInput = &input
	l.mu.Unlock()

	if first || prev == input {
		return
	}

	if input == 1 {
		l.activateX1(ctx)
	} else {
		l.deactivateX1(ctx)
	}
}

func (l *Listener) activateX1(ctx context.Context) {
	settings, err := l.store.GetSettings(ctx)
	if err != nil {
		l.log.Error("cannot read settings for X1 activation: %v", err)
		return
	}
	target := settings.ChargingStrategy.InputX1Strategy
	cleared := false

	if target == store.StrategyMaxWithoutBattery {
		phases := settings.ChargingStrategy.PhysicalPhaseSwitch
		if phases != 1 && phases != 3 {
			phases = 1
		}
		maxAmps := store.MaxCurrentFor(phases)

		if err := l.wallbox.SendCommandNoResponse(settings.WallboxAddress, "ena 1"); err != nil {
			l.log.Error("X1 fast-path ena 1 failed: %v", err)
		}
		if err := l.wallbox.SendCommandNoResponse(settings.WallboxAddress, fmt.Sprintf("curr %d", int(maxAmps*1000))); err != nil {
			l.log.Error("X1 fast-path curr failed: %v", err)
		}

		cc, _ := l.store.GetChargingContext(ctx)
		cc.IsActive = true
		cc.CurrentAmpere = maxAmps
		cc.TargetAmpere = maxAmps
		cc.CurrentPhases = phases
		cc.LastStartedAt = nowFunc()
		_ = l.store.SetChargingContext(ctx, cc)

		if l.sse != nil {
			l.sse.PushFull(ctx)
		}

		if l.lock != nil {
			if err := l.lock.Activate(ctx); err != nil {
				l.log.Error("battery lock activation failed, rolling back X1 fast path: %v", err)
				_ = l.wallbox.SendCommandNoResponse(settings.WallboxAddress, "ena 0")
				l.notifier.Notify(notify.Event{Kind: notify.EventError, Message: "battery lock activation failed during X1 0->1", Details: map[string]any{"err": err.Error()}})
				cleared = true
			}
		}
	} else if target.RequiresBatteryLock() && l.lock != nil {
		if err := l.lock.Activate(ctx); err != nil {
			l.log.Warning("battery lock activation failed for %s: %v", target, err)
		}
	}

	l.persistTargetStrategy(ctx, target, cleared)
}

func (l *Listener) deactivateX1(ctx context.Context) {
	settings, err := l.store.GetSettings(ctx)
	if err != nil {
		l.log.Error("cannot read settings for X1 deactivation: %v", err)
		return
	}
	if err := l.wallbox.SendCommandNoResponse(settings.WallboxAddress, "ena 0"); err != nil {
		l.log.Error("X1 fast-path ena 0 failed: %v", err)
	}

	cc, _ := l.store.GetChargingContext(ctx)
	cc.IsActive = false
	cc.CurrentAmpere = 0
	cc.TargetAmpere = 0
	_ = l.store.SetChargingContext(ctx, cc)

	if l.sse != nil {
		l.sse.PushFull(ctx)
	}

	if l.lock != nil {
		go func() {
			if err := l.lock.Release(context.Background()); err != nil {
				l.log.Warning("battery lock release failed after X1 1->0: %v", err)
			}
		}()
	}

	l.persistTargetStrategy(ctx, store.StrategyOff, false)
}

// persistTargetStrategy is the unconditional "finally" step: the persisted
// strategy must equal target whenever a target was computed, independent
// of whether lock activation succeeded - unless cleared, which marks a
// rollback where no persisted change should happen at all.
func (l *Listener) persistTargetStrategy(ctx context.Context, target store.Strategy, cleared bool) {
	if cleared {
		return
	}
	cc, err := l.store.GetChargingContext(ctx)
	if err != nil {
		l.log.Error("finally: cannot read charging context: %v", err)
		return
	}
	cc.Strategy = target
	if err := l.store.SetChargingContext(ctx, cc); err != nil {
		l.log.Error("finally: cannot persist charging context strategy: %v", err)
	}

	settings, err := l.store.GetSettings(ctx)
	if err != nil {
		l.log.Error("finally: cannot read settings: %v", err)
		return
	}
	settings.ChargingStrategy.ActiveStrategy = target
	if err := l.store.SetSettings(ctx, settings); err != nil {
		l.log.Error("finally: cannot persist active strategy: %v", err)
	}
}
