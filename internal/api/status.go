package api

import (
	"context"

	"github.com/evhome/chargectl/internal/ctlerr"
	"github.com/evhome/chargectl/internal/store"
)

// StatusSource implements sse.StatusSource without depending on sse, so it
// can be constructed before the SSE hub and handed to both it and Server.
type StatusSource struct {
	store   store.Store
	wallbox WallboxCommander
}

// NewStatusSource constructs a StatusSource.
func NewStatusSource(st store.Store, wb WallboxCommander) *StatusSource {
	return &StatusSource{store: st, wallbox: wb}
}

// FullStatus builds the WallboxStatus JSON shape by querying the wallbox
// live, matching GET /api/wallbox/status's contract.
func (s *StatusSource) FullStatus(ctx context.Context) (map[string]any, error) {
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	if settings.WallboxAddress == "" {
		return nil, ctlerr.ErrNotConfigured
	}
	return fetchWallboxStatus(ctx, s.wallbox, settings.WallboxAddress)
}

func fetchWallboxStatus(ctx context.Context, wb WallboxCommander, ip string) (map[string]any, error) {
	r2, err := wb.SendCommand(ctx, ip, "report 2")
	if err != nil {
		return nil, err
	}
	r3, err := wb.SendCommand(ctx, ip, "report 3")
	if err != nil {
		return nil, err
	}

	state, _ := r2.Float("State")
	plug, _ := r2.Float("Plug")
	maxCurr, _ := r2.Float("Max curr")
	u1, _ := r3.Float("U1")
	i1, _ := r3.Float("I1")
	i2, _ := r3.Float("I2")
	i3, _ := r3.Float("I3")
	p, _ := r3.Float("P")

	phases := 0
	for _, a := range []float64{i1, i2, i3} {
		if a > 0.5 {
			phases++
		}
	}

	return map[string]any{
		"state":       int(state),
		"plug":        int(plug),
		"maxCurr":     maxCurr / 1000,
		"u1":          u1,
		"i1":          i1,
		"i2":          i2,
		"i3":          i3,
		"power":       p / 1_000_000,
		"phases":      phases,
		"lastUpdated": nowFunc(),
	}
}
