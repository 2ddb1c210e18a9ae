// Command chargectl wires the core's workers together and serves the HTTP/
// SSE surface. It mirrors the teacher's main.go: load env, construct every
// collaborator, launch each long-running worker with supervisor.Go, and
// block on an interrupt signal.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/evhome/chargectl/internal/api"
	"github.com/evhome/chargectl/internal/broadcast"
	"github.com/evhome/chargectl/internal/inverter"
	"github.com/evhome/chargectl/internal/invertercli"
	"github.com/evhome/chargectl/internal/logx"
	"github.com/evhome/chargectl/internal/notify"
	"github.com/evhome/chargectl/internal/night"
	"github.com/evhome/chargectl/internal/sse"
	"github.com/evhome/chargectl/internal/store"
	"github.com/evhome/chargectl/internal/strategy"
	"github.com/evhome/chargectl/internal/supervisor"
	"github.com/evhome/chargectl/internal/udpchannel"
	"github.com/evhome/chargectl/internal/wallbox"
)

const version = "0.1.0"

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// liveDataSource adapts inverter.Hub to strategy.LastSnapshotSource: the
// interface requires a method literally named Last returning store.LiveData,
// which Hub.Last doesn't (it returns a Snapshot); Hub.LastLiveData does the
// conversion but under a different method name, so it can't satisfy the
// interface by itself.
type liveDataSource struct {
	hub *inverter.Hub
}

func (s liveDataSource) Last() (store.LiveData, bool) {
	return s.hub.LastLiveData()
}

// auditAdapter bridges strategy.AuditLog to api.AuditSource without api
// importing strategy, the same duplicated-interface convention used
// throughout this module.
type auditAdapter struct {
	log *strategy.AuditLog
}

func (a auditAdapter) Entries() []api.AuditEntry {
	src := a.log.Entries()
	out := make([]api.AuditEntry, len(src))
	for i, e := range src {
		out[i] = api.AuditEntry{At: e.At, Reason: e.Reason, PreviousAmpere: e.PreviousAmpere, TargetAmpere: e.TargetAmpere}
	}
	return out
}

func main() {
	cliPath := flag.String("inverter-cli", "", "path to the inverter's external command-line tool; empty disables the CLI gateway")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	demoAutostart := truthy(os.Getenv("DEMO_AUTOSTART"))
	// ALLOWED_SMARTHOME_ORIGINS gates outbound URL calls (the FHEM relay);
	// that collaborator is out of scope for this core, so the value is read
	// for completeness but has no consumer here.
	_ = os.Getenv("ALLOWED_SMARTHOME_ORIGINS")

	ctx, cancel := context.WithCancel(context.Background())

	logs := logx.NewHub()
	sysLog := logs.For(logx.CategorySystem)

	initial := store.Settings{
		DemoMode:              demoAutostart,
		MockWallboxPhases:     3,
		MockWallboxPlugStatus: 0,
	}
	st := store.NewMemory(initial)
	notifier := notify.Noop{}

	udpChan, err := udpchannel.New(logs.For(logx.CategoryUDP), ":7090")
	if err != nil {
		log.Fatalf("cannot bind wallbox UDP socket: %v", err)
	}
	supervisor.Go(ctx, cancel, sysLog, "udp-channel", udpChan.Run)

	settings, _ := st.GetSettings(ctx)
	wb := wallbox.New(udpChan, logs.For(logx.CategoryWallbox), wallbox.DefaultConfig(), settings.DemoMode)
	supervisor.Go(ctx, cancel, sysLog, "wallbox-transport", wb.Run)

	var cli *invertercli.Gateway
	var poller *inverter.Poller
	hub := inverter.NewHub()

	if *cliPath != "" {
		cli = invertercli.New(*cliPath, nil, logs.For(logx.CategoryCLI))
	}

	if settings.InverterAddress != "" {
		poller = inverter.New(inverter.DefaultConfig(settings.InverterAddress), st, notifier, logs.For(logx.CategoryInverter), hub)
		supervisor.Go(ctx, cancel, sysLog, "inverter-poller", poller.Run)
		if cli != nil {
			cli = invertercli.New(*cliPath, poller, logs.For(logx.CategoryCLI))
		}
	}

	var lock *invertercli.Lock
	if cli != nil {
		lock = invertercli.NewLock(cli, st)
	}

	statusSource := api.NewStatusSource(st, wb)
	sseHub := sse.NewHub(statusSource, logs.For(logx.CategorySSE))
	supervisor.Go(ctx, cancel, sysLog, "sse-idle-sweep", sseHub.RunIdleSweep)

	var batteryLockForController strategy.BatteryLock
	var batteryLockForListener broadcast.BatteryLock
	if lock != nil {
		batteryLockForController = lock
		batteryLockForListener = lock
	}

	controller := strategy.New(st, notifier, logs.For(logx.CategoryStrategy), wb, batteryLockForController, sseHub)
	supervisor.Go(ctx, cancel, sysLog, "strategy-fallback-ticker", func(ctx context.Context) {
		strategy.RunFallbackTicker(ctx, controller, liveDataSource{hub})
	})

	// A nil *inverter.Poller passed directly as the IdleResetter interface
	// would produce a non-nil interface wrapping a nil pointer; only wire it
	// in when a poller actually exists.
	var idleResetter broadcast.IdleResetter
	if poller != nil {
		idleResetter = poller
	}
	listener := broadcast.New(st, notifier, logs.For(logx.CategoryBroadcast), wb, batteryLockForListener, sseHub, idleResetter)
	sub, unsubscribe := udpChan.Subscribe()
	supervisor.Go(ctx, cancel, sysLog, "broadcast-listener", func(ctx context.Context) {
		defer unsubscribe()
		listener.Run(ctx, sub)
	})

	if cli != nil {
		scheduler := night.New(st, notifier, logs.For(logx.CategoryNight), wb, cli)
		supervisor.Go(ctx, cancel, sysLog, "night-scheduler", scheduler.Run)
	}

	hubSub, unsubHub := hub.Subscribe()
	supervisor.Go(ctx, cancel, sysLog, "inverter-to-strategy-bridge", func(ctx context.Context) {
		defer unsubHub()
		for {
			select {
			case snap, ok := <-hubSub:
				if !ok {
					return
				}
				controller.OnLiveData(ctx, snap.Live)
			case <-ctx.Done():
				return
			}
		}
	})

	server := api.New(st, wb, hub, sseHub, cli, logs, controller, auditAdapter{controller.Audit()}, version)

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: server.Routes(),
	}
	supervisor.Go(ctx, cancel, sysLog, "http-server", func(ctx context.Context) {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		sysLog.Info("listening on :%s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sysLog.Error("http server: %v", err)
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		sysLog.Info("shutting down...")
	case <-ctx.Done():
		sysLog.Info("shutting down due to worker failure...")
	}
	cancel()
	sseHub.Shutdown()
}
