package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/evhome/chargectl/internal/inverter"
	"github.com/evhome/chargectl/internal/logx"
	"github.com/evhome/chargectl/internal/store"
	"github.com/evhome/chargectl/internal/wallbox"
)

type fakeWallbox struct {
	replies map[string]wallbox.Reply
	err     error
	calls   []string
}

func (f *fakeWallbox) SendCommand(ctx context.Context, ip, text string) (wallbox.Reply, error) {
	f.calls = append(f.calls, text)
	if f.err != nil {
		return wallbox.Reply{}, f.err
	}
	return f.replies[text], nil
}

type fakeNotifier struct {
	calls int
}

func (f *fakeNotifier) OnLiveData(ctx context.Context, live store.LiveData) {
	f.calls++
}

type fakeAudit struct {
	entries []AuditEntry
}

func (f *fakeAudit) Entries() []AuditEntry { return f.entries }

func newTestServer(t *testing.T, settings store.Settings) (*Server, *store.Memory, *fakeWallbox) {
	t.Helper()
	mem := store.NewMemory(settings)
	wb := &fakeWallbox{replies: map[string]wallbox.Reply{
		"report 2": {Fields: map[string]any{"State": 3.0, "Plug": 7.0, "Max curr": 16000.0}},
		"report 3": {Fields: map[string]any{"U1": 230.0, "I1": 6.0, "I2": 0.0, "I3": 0.0, "P": 1380000.0}},
	}}
	logs := logx.NewHub()
	s := New(mem, wb, nil, nil, nil, logs, &fakeNotifier{}, &fakeAudit{}, "test")
	return s, mem, wb
}

func testSettings() store.Settings {
	return store.Settings{
		WallboxAddress:  "10.0.0.5",
		InverterAddress: "10.0.0.6",
		ChargingStrategy: store.ChargingStrategyConfig{
			ActiveStrategy: store.StrategyOff,
		},
	}
}

func doRequest(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestHandleWallboxStatus_ReturnsParsedFields(t *testing.T) {
	s, _, _ := newTestServer(t, testSettings())
	w := doRequest(t, s.Routes(), "GET", "/api/wallbox/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["state"].(float64) != 3 {
		t.Fatalf("state = %v", body["state"])
	}
	if body["phases"].(float64) != 1 {
		t.Fatalf("phases = %v", body["phases"])
	}
}

func TestHandleWallboxStatus_RejectsWhenWallboxUnconfigured(t *testing.T) {
	settings := testSettings()
	settings.WallboxAddress = ""
	s, _, _ := newTestServer(t, settings)
	w := doRequest(t, s.Routes(), "GET", "/api/wallbox/status", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHandleWallboxStart_SetsStrategyAndKicksController(t *testing.T) {
	s, mem, _ := newTestServer(t, testSettings())
	notifier := s.strategy.(*fakeNotifier)
	// The kick replays the hub's last snapshot, so the hub needs one.
	hub := inverter.NewHub()
	hub.Publish(inverter.Snapshot{Live: store.LiveData{PVPower: 1000}})
	s.hub = hub

	w := doRequest(t, s.Routes(), "POST", "/api/wallbox/start", `{"strategy":"surplus_battery_prio"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	settings, _ := mem.GetSettings(context.Background())
	if settings.ChargingStrategy.ActiveStrategy != store.StrategySurplusBatteryPrio {
		t.Fatalf("strategy not persisted: %v", settings.ChargingStrategy.ActiveStrategy)
	}
	if notifier.calls != 1 {
		t.Fatalf("expected controller kick, got %d calls", notifier.calls)
	}
}

func TestHandleWallboxStart_RejectsOffStrategy(t *testing.T) {
	s, _, _ := newTestServer(t, testSettings())
	w := doRequest(t, s.Routes(), "POST", "/api/wallbox/start", `{"strategy":"off"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHandleWallboxStop_SetsStrategyOff(t *testing.T) {
	settings := testSettings()
	settings.ChargingStrategy.ActiveStrategy = store.StrategyMaxWithBattery
	s, mem, _ := newTestServer(t, settings)

	w := doRequest(t, s.Routes(), "POST", "/api/wallbox/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got, _ := mem.GetSettings(context.Background())
	if got.ChargingStrategy.ActiveStrategy != store.StrategyOff {
		t.Fatalf("strategy = %v", got.ChargingStrategy.ActiveStrategy)
	}
}

func TestHandleWallboxCurrent_RejectsOutOfRange(t *testing.T) {
	s, _, _ := newTestServer(t, testSettings())
	w := doRequest(t, s.Routes(), "POST", "/api/wallbox/current", `{"current":40}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHandleWallboxCurrent_SendsCurrCommand(t *testing.T) {
	s, _, wb := newTestServer(t, testSettings())
	w := doRequest(t, s.Routes(), "POST", "/api/wallbox/current", `{"current":16}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	found := false
	for _, c := range wb.calls {
		if c == "curr 16000" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected curr 16000 among calls %v", wb.calls)
	}
}

func TestHandlePostControls_NeverSetsNightChargingFromHTTP(t *testing.T) {
	s, mem, _ := newTestServer(t, testSettings())
	mem.SetControlState(context.Background(), store.ControlState{NightCharging: true})

	w := doRequest(t, s.Routes(), "POST", "/api/controls", `{"pvSurplus":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	got, _ := mem.GetControlState(context.Background())
	if !got.NightCharging {
		t.Fatalf("NightCharging was cleared by an HTTP-only field update")
	}
	if !got.PVSurplus {
		t.Fatalf("PVSurplus not applied")
	}
}

func TestHandlePostStrategy_RejectsWhileNightChargingOwnsTheDevice(t *testing.T) {
	s, mem, _ := newTestServer(t, testSettings())
	mem.SetControlState(context.Background(), store.ControlState{NightCharging: true})

	w := doRequest(t, s.Routes(), "POST", "/api/charging/strategy", `{"strategy":"max_with_battery"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestHandleGetChargingContext_IncludesAuditLog(t *testing.T) {
	s, _, _ := newTestServer(t, testSettings())
	audit := s.audit.(*fakeAudit)
	audit.entries = append(audit.entries, AuditEntry{Reason: "surplus increase"})

	w := doRequest(t, s.Routes(), "GET", "/api/charging/context", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	log, ok := body["auditLog"].([]any)
	if !ok || len(log) != 1 {
		t.Fatalf("auditLog = %v", body["auditLog"])
	}
}

func TestHandleLiveData_ServiceUnavailableWithoutHub(t *testing.T) {
	s, _, _ := newTestServer(t, testSettings())
	w := doRequest(t, s.Routes(), "GET", "/api/e3dc/live-data", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHandleExecuteCommand_RejectsWithoutCLIGateway(t *testing.T) {
	s, _, _ := newTestServer(t, testSettings())
	w := doRequest(t, s.Routes(), "POST", "/api/e3dc/execute-command", `{"command":"-a"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHandleLogs_ClearEmptiesEntries(t *testing.T) {
	s, _, _ := newTestServer(t, testSettings())
	s.log.Info("hello")

	w := doRequest(t, s.Routes(), "GET", "/api/logs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	w = doRequest(t, s.Routes(), "DELETE", "/api/logs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(s.logs.Entries()) != 0 {
		t.Fatalf("expected logs cleared, got %d entries", len(s.logs.Entries()))
	}
}

func TestHandleHealth_ReportsOKAndVersion(t *testing.T) {
	s, _, _ := newTestServer(t, testSettings())
	w := doRequest(t, s.Routes(), "GET", "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("body = %v", body)
	}
}
