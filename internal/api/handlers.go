package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/evhome/chargectl/internal/ctlerr"
	"github.com/evhome/chargectl/internal/store"
)

func (s *Server) handleWallboxStatus(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if settings.WallboxAddress == "" {
		writeError(w, ctlerr.ErrNotConfigured)
		return
	}
	status, err := fetchWallboxStatus(r.Context(), s.wallbox, settings.WallboxAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleWallboxStream(w http.ResponseWriter, r *http.Request) {
	s.sse.Attach(w, r)
}

type startRequest struct {
	Strategy *store.Strategy `json:"strategy"`
}

func (s *Server) handleWallboxStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Strategy != nil {
		if !req.Strategy.Valid() || *req.Strategy == store.StrategyOff {
			writeError(w, ctlerr.ErrInvalidInput)
			return
		}
		settings.ChargingStrategy.ActiveStrategy = *req.Strategy
		if err := s.store.SetSettings(r.Context(), settings); err != nil {
			writeError(w, err)
			return
		}
	}

	s.kickStrategy(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleWallboxStop(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	settings.ChargingStrategy.ActiveStrategy = store.StrategyOff
	if err := s.store.SetSettings(r.Context(), settings); err != nil {
		writeError(w, err)
		return
	}
	s.kickStrategy(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// kickStrategy nudges the controller with the inverter hub's last known
// snapshot so a start/stop/strategy call doesn't wait for the next poll
// cycle; it is a best-effort prod, not a guarantee of immediate effect.
func (s *Server) kickStrategy(ctx context.Context) {
	if s.strategy == nil || s.hub == nil {
		return
	}
	if snap, ok := s.hub.Last(); ok {
		s.strategy.OnLiveData(ctx, snap.Live)
	}
}

type currentRequest struct {
	Current float64 `json:"current"`
}

func (s *Server) handleWallboxCurrent(w http.ResponseWriter, r *http.Request) {
	var req currentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Current < store.MinCurrentAmps || req.Current > store.MaxCurrent1PhaseAmps {
		writeError(w, ctlerr.ErrInvalidInput)
		return
	}

	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if settings.WallboxAddress == "" {
		writeError(w, ctlerr.ErrNotConfigured)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 200*time.Millisecond)
	defer cancel()
	if _, err := s.wallbox.SendCommand(ctx, settings.WallboxAddress, fmt.Sprintf("curr %d", int(req.Current*1000))); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePostSettings(w http.ResponseWriter, r *http.Request) {
	var settings store.Settings
	if err := decodeJSON(r, &settings); err != nil {
		writeError(w, err)
		return
	}
	if !settings.ChargingStrategy.ActiveStrategy.Valid() {
		writeError(w, ctlerr.ErrInvalidInput)
		return
	}
	if err := s.store.SetSettings(r.Context(), settings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleGetControls(w http.ResponseWriter, r *http.Request) {
	control, err := s.store.GetControlState(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, control)
}

// controlsInput deliberately omits NightCharging: only the strategy
// controller and night scheduler may set it.
type controlsInput struct {
	PVSurplus    *bool `json:"pvSurplus"`
	BatteryLock  *bool `json:"batteryLock"`
	GridCharging *bool `json:"gridCharging"`
}

func (s *Server) handlePostControls(w http.ResponseWriter, r *http.Request) {
	var input controlsInput
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	control, err := s.store.GetControlState(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if input.PVSurplus != nil {
		control.PVSurplus = *input.PVSurplus
	}
	if input.BatteryLock != nil {
		control.BatteryLock = *input.BatteryLock
	}
	if input.GridCharging != nil {
		control.GridCharging = *input.GridCharging
	}
	if err := s.store.SetControlState(r.Context(), control); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, control)
}

type strategyRequest struct {
	Strategy store.Strategy `json:"strategy"`
}

func (s *Server) handlePostStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !req.Strategy.Valid() {
		writeError(w, ctlerr.ErrInvalidInput)
		return
	}

	control, err := s.store.GetControlState(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if control.NightCharging {
		writeError(w, ctlerr.ErrConflict)
		return
	}

	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	settings.ChargingStrategy.ActiveStrategy = req.Strategy
	if err := s.store.SetSettings(r.Context(), settings); err != nil {
		writeError(w, err)
		return
	}
	s.kickStrategy(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "strategy": req.Strategy})
}

func (s *Server) handleGetChargingContext(w http.ResponseWriter, r *http.Request) {
	cc, err := s.store.GetChargingContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"context": cc}
	if s.audit != nil {
		resp["auditLog"] = s.audit.Entries()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLiveData(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if settings.InverterAddress == "" {
		writeError(w, ctlerr.ErrNotConfigured)
		return
	}
	if s.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no inverter snapshot available yet"})
		return
	}
	snap, ok := s.hub.Last()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no inverter snapshot available yet"})
		return
	}
	writeJSON(w, http.StatusOK, snap.Live)
}

type executeCommandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	if s.cli == nil {
		writeError(w, ctlerr.ErrNotConfigured)
		return
	}
	var req executeCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	args := strings.Fields(req.Command)
	if len(args) == 0 {
		writeError(w, ctlerr.ErrInvalidInput)
		return
	}

	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if !settings.Inverter.Enabled {
		writeError(w, ctlerr.ErrNotConfigured)
		return
	}
	// Console-mode commands go through the same allow-list but skip the
	// Modbus pause: the operator already owns the device for this call.
	out, err := s.cli.Run(r.Context(), args, true, settings.Inverter.ModbusPauseSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.logs.Entries())
}

func (s *Server) handleDeleteLogs(w http.ResponseWriter, r *http.Request) {
	s.logs.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetLogSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"demoMode": settings.DemoMode})
}

func (s *Server) handlePostLogSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startedAt).String(),
	})
}
