package inverter

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/evhome/chargectl/internal/ctlerr"
	"github.com/evhome/chargectl/internal/logx"
	"github.com/evhome/chargectl/internal/notify"
	"github.com/evhome/chargectl/internal/store"
)

var backoffLevels = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	300 * time.Second,
	600 * time.Second,
}

// Config tunes the poller's connection target and base cadence.
type Config struct {
	Address      string // host:port, e.g. "192.168.1.50:502"
	UnitID       byte
	BaseInterval time.Duration
	DialTimeout  time.Duration
}

// DefaultConfig returns the product default: unit id 1, 10s base interval.
func DefaultConfig(address string) Config {
	return Config{Address: address, UnitID: 1, BaseInterval: 10 * time.Second, DialTimeout: 3 * time.Second}
}

// Poller is the single scheduler task owning the Modbus/TCP connection. It
// is not safe for concurrent reads by any caller other than its own Run
// goroutine; everything else reads through the Hub's cached snapshot.
type Poller struct {
	cfg      Config
	store    store.Store
	notifier notify.Notifier
	log      *logx.Logger
	hub      *Hub

	handler   *modbus.TCPClientHandler
	client    modbus.Client
	connected bool

	mu         sync.Mutex
	backoffIdx int
	paused     bool

	forceNow chan struct{}
	pauseReq chan pauseRequest
}

type pauseRequest struct {
	pause bool
	done  chan struct{}
}

// New constructs a Poller. The returned value implements
// broadcast.IdleResetter via ResetIdleThrottle.
func New(cfg Config, st store.Store, notifier notify.Notifier, log *logx.Logger, hub *Hub) *Poller {
	return &Poller{
		cfg:      cfg,
		store:    st,
		notifier: notifier,
		log:      log,
		hub:      hub,
		forceNow: make(chan struct{}, 1),
		pauseReq: make(chan pauseRequest),
	}
}

// Run owns the poll loop until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	defer p.teardown()
	for {
		p.mu.Lock()
		paused := p.paused
		p.mu.Unlock()

		var interval time.Duration
		if paused {
			interval = p.cfg.BaseInterval
		} else {
			interval = p.cycle(ctx)
		}

		select {
		case <-time.After(interval):
		case <-p.forceNow:
		case req := <-p.pauseReq:
			p.handlePauseRequest(req)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) handlePauseRequest(req pauseRequest) {
	if req.pause {
		p.teardown()
	}
	p.mu.Lock()
	p.paused = req.pause
	p.mu.Unlock()
	close(req.done)
}

// Pause stops polling and closes the Modbus connection so the CLI gateway
// can use the same device exclusively for a write command. Blocks until the
// poll loop has acknowledged the request.
func (p *Poller) Pause(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case p.pauseReq <- pauseRequest{pause: true, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume reopens polling after Pause; the next cycle reconnects lazily.
func (p *Poller) Resume(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case p.pauseReq <- pauseRequest{pause: false, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		p.ResetIdleThrottle()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResetIdleThrottle cancels any remaining idle wait so the next poll
// happens immediately. Safe to call from any goroutine.
func (p *Poller) ResetIdleThrottle() {
	select {
	case p.forceNow <- struct{}{}:
	default:
	}
}

func (p *Poller) cycle(ctx context.Context) time.Duration {
	live, err := p.readOnce()
	if err != nil {
		p.log.Warning("modbus cycle failed: %v", err)
		p.teardown()
		p.advanceBackoff()
		return p.currentInterval()
	}
	p.resetBackoff()
	p.hub.Publish(Snapshot{Live: live, State: p.connectionState()})
	return p.effectiveInterval(ctx, live)
}

func (p *Poller) advanceBackoff() {
	p.mu.Lock()
	defer p.mu.Unlock()
	wasHealthy := p.backoffIdx == 0
	if p.backoffIdx < len(backoffLevels)-1 {
		p.backoffIdx++
	}
	if wasHealthy {
		p.notifier.Notify(notify.Event{Kind: notify.EventE3DCConnectionLost, Message: "inverter connection lost"})
	}
}

func (p *Poller) resetBackoff() {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.backoffIdx
	p.backoffIdx = 0
	if was != 0 {
		p.notifier.Notify(notify.Event{Kind: notify.EventE3DCConnectionBack, Message: "inverter connection restored"})
	}
}

func (p *Poller) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return backoffLevels[p.backoffIdx]
}

func (p *Poller) connectionState() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.backoffIdx == 0:
		return ConnectionConnected
	case p.backoffIdx == len(backoffLevels)-1:
		return ConnectionLost
	default:
		return ConnectionDegraded
	}
}

// effectiveInterval applies the idle throttle: only at backoff level 0, and
// only when pvPower is exactly zero and the active strategy is off, does
// the effective interval widen to at least 30s.
func (p *Poller) effectiveInterval(ctx context.Context, live store.LiveData) time.Duration {
	p.mu.Lock()
	idx := p.backoffIdx
	p.mu.Unlock()
	if idx != 0 {
		return backoffLevels[idx]
	}

	settings, err := p.store.GetSettings(ctx)
	if err != nil {
		return p.cfg.BaseInterval
	}
	if live.PVPower == 0 && settings.ChargingStrategy.ActiveStrategy == store.StrategyOff {
		if p.cfg.BaseInterval > 30*time.Second {
			return p.cfg.BaseInterval
		}
		return 30 * time.Second
	}
	return p.cfg.BaseInterval
}

func (p *Poller) ensureConnected() error {
	if p.connected {
		return nil
	}
	handler := modbus.NewTCPClientHandler(p.cfg.Address)
	handler.SlaveId = p.cfg.UnitID
	handler.Timeout = p.cfg.DialTimeout
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("%w: %v", ctlerr.ErrModbus, err)
	}
	p.handler = handler
	p.client = modbus.NewClient(handler)
	p.connected = true
	return nil
}

func (p *Poller) teardown() {
	if p.handler != nil {
		_ = p.handler.Close()
	}
	p.handler = nil
	p.client = nil
	p.connected = false
}

func (p *Poller) readInt32(offset uint16) (int32, error) {
	b, err := p.client.ReadHoldingRegisters(offset, 2)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ctlerr.ErrModbus, err)
	}
	low, high := splitWords(b)
	return decodeInt32(low, high), nil
}

func (p *Poller) readOnce() (store.LiveData, error) {
	if err := p.ensureConnected(); err != nil {
		return store.LiveData{}, err
	}

	pv, err := p.readInt32(regPVPower)
	if err != nil {
		return store.LiveData{}, err
	}
	batt, err := p.readInt32(regBatteryPower)
	if err != nil {
		return store.LiveData{}, err
	}
	house, err := p.readInt32(regHousePower)
	if err != nil {
		return store.LiveData{}, err
	}
	grid, err := p.readInt32(regGridPower)
	if err != nil {
		return store.LiveData{}, err
	}
	asBytes, err := p.client.ReadHoldingRegisters(regAutarkySelfC, 1)
	if err != nil {
		return store.LiveData{}, fmt.Errorf("%w: %v", ctlerr.ErrModbus, err)
	}
	autarky, selfConsumption := autarkySelfConsumption(binary.BigEndian.Uint16(asBytes))

	socBytes, err := p.client.ReadHoldingRegisters(regBatterySOC, 1)
	if err != nil {
		return store.LiveData{}, fmt.Errorf("%w: %v", ctlerr.ErrModbus, err)
	}

	return store.LiveData{
		PVPower:         float64(pv),
		BatteryPower:    float64(batt),
		HousePower:      float64(house),
		GridPower:       float64(grid),
		BatterySOC:      float64(binary.BigEndian.Uint16(socBytes)),
		Autarky:         autarky,
		SelfConsumption: selfConsumption,
		Timestamp:       time.Now(),
	}, nil
}
