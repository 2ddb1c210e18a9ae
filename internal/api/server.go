// Package api is the thin HTTP surface over the core: decode JSON, call a
// store/controller method, encode JSON. No schema validation library and no
// auth middleware are wired here by design (see SPEC_FULL.md §6 and
// DESIGN.md) — both are named non-goals for this core. Grounded on the
// teacher's plain net/http handler style; none of the pack's web frameworks
// are otherwise exercised by the in-scope core, so introducing one here
// would be unjustified for a non-goal surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/evhome/chargectl/internal/invertercli"
	"github.com/evhome/chargectl/internal/inverter"
	"github.com/evhome/chargectl/internal/logx"
	"github.com/evhome/chargectl/internal/sse"
	"github.com/evhome/chargectl/internal/store"
	"github.com/evhome/chargectl/internal/wallbox"
)

// WallboxCommander is the subset of the wallbox transport the API needs for
// the synchronous current-change verification endpoint.
type WallboxCommander interface {
	SendCommand(ctx context.Context, ip, text string) (wallbox.Reply, error)
}

// StrategyNotifier lets the API nudge the strategy controller immediately
// after a start/stop/strategy HTTP call instead of waiting for the next
// Live-Data tick, without the API depending on the controller's full type.
type StrategyNotifier interface {
	OnLiveData(ctx context.Context, live store.LiveData)
}

// AuditSource exposes the strategy controller's adjustment history for the
// charging-context endpoint.
type AuditSource interface {
	Entries() []AuditEntry
}

// AuditEntry mirrors strategy.AuditEntry without importing the strategy
// package, keeping api's dependency surface to store + transport shapes.
type AuditEntry struct {
	At             time.Time
	Reason         string
	PreviousAmpere float64
	TargetAmpere   float64
}

// Server wires the core onto net/http.ServeMux.
type Server struct {
	store     store.Store
	wallbox   WallboxCommander
	hub       *inverter.Hub
	sse       *sse.Hub
	cli       *invertercli.Gateway
	logs      *logx.Hub
	log       *logx.Logger
	strategy  StrategyNotifier
	audit     AuditSource
	startedAt time.Time
	version   string
}

// New constructs a Server. cli and audit may be nil when the corresponding
// integration is disabled; their endpoints then answer 400/empty.
func New(st store.Store, wb WallboxCommander, hub *inverter.Hub, sseHub *sse.Hub, cli *invertercli.Gateway, logs *logx.Hub, strat StrategyNotifier, audit AuditSource, version string) *Server {
	return &Server{
		store:     st,
		wallbox:   wb,
		hub:       hub,
		sse:       sseHub,
		cli:       cli,
		logs:      logs,
		log:       logs.For(logx.CategoryHTTP),
		strategy:  strat,
		audit:     audit,
		startedAt: time.Now(),
		version:   version,
	}
}

// Routes builds the ServeMux. Callers decorate it with their own
// authentication middleware before serving.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/wallbox/status", s.handleWallboxStatus)
	mux.HandleFunc("GET /api/wallbox/stream", s.handleWallboxStream)
	mux.HandleFunc("POST /api/wallbox/start", s.handleWallboxStart)
	mux.HandleFunc("POST /api/wallbox/stop", s.handleWallboxStop)
	mux.HandleFunc("POST /api/wallbox/current", s.handleWallboxCurrent)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handlePostSettings)

	mux.HandleFunc("GET /api/controls", s.handleGetControls)
	mux.HandleFunc("POST /api/controls", s.handlePostControls)

	mux.HandleFunc("POST /api/charging/strategy", s.handlePostStrategy)
	mux.HandleFunc("GET /api/charging/context", s.handleGetChargingContext)

	mux.HandleFunc("GET /api/e3dc/live-data", s.handleLiveData)
	mux.HandleFunc("POST /api/e3dc/execute-command", s.handleExecuteCommand)

	mux.HandleFunc("GET /api/logs", s.handleGetLogs)
	mux.HandleFunc("DELETE /api/logs", s.handleDeleteLogs)
	mux.HandleFunc("GET /api/logs/settings", s.handleGetLogSettings)
	mux.HandleFunc("POST /api/logs/settings", s.handlePostLogSettings)

	mux.HandleFunc("GET /api/health", s.handleHealth)

	return mux
}
