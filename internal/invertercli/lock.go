package invertercli

import (
	"context"

	"github.com/evhome/chargectl/internal/store"
)

// Lock adapts Gateway to the strategy/broadcast packages' BatteryLock
// interface (Activate/Release), issuing the plain discharge-lock on/off
// command with no grid-charge combinator — that combination is specific to
// the night scheduler's entry/exit sequence (see EnableNightCharging).
type Lock struct {
	cli   *Gateway
	store store.Store
}

// NewLock constructs a Lock. Settings are read fresh on every call since
// they're mutated live via the HTTP surface.
func NewLock(cli *Gateway, st store.Store) *Lock {
	return &Lock{cli: cli, store: st}
}

// Activate issues the configured discharge-lock-on command. A no-op when
// the inverter integration is disabled.
func (l *Lock) Activate(ctx context.Context) error {
	settings, err := l.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	if !settings.Inverter.Enabled {
		return nil
	}
	args := combineCommands(settings.Inverter.DischargeLockOnCmd)
	if len(args) == 0 {
		return nil
	}
	_, err = l.cli.Run(ctx, args, false, settings.Inverter.ModbusPauseSeconds)
	return err
}

// Release issues the configured discharge-lock-off command.
func (l *Lock) Release(ctx context.Context) error {
	settings, err := l.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	if !settings.Inverter.Enabled {
		return nil
	}
	args := combineCommands(settings.Inverter.DischargeLockOffCmd)
	if len(args) == 0 {
		return nil
	}
	_, err = l.cli.Run(ctx, args, false, settings.Inverter.ModbusPauseSeconds)
	return err
}
