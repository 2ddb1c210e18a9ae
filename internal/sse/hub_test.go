package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evhome/chargectl/internal/logx"
)

type fakeSource struct {
	status map[string]any
	err    error
}

func (f *fakeSource) FullStatus(ctx context.Context) (map[string]any, error) {
	return f.status, f.err
}

func testLogger() *logx.Logger {
	return logx.NewHub().For(logx.CategorySSE)
}

func attachAsync(t *testing.T, h *Hub) (*httptest.ResponseRecorder, chan struct{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		h.Attach(rec, req)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond) // let the goroutine register before the caller broadcasts
	return rec, done
}

func TestHub_AttachSendsConnectedCommentImmediately(t *testing.T) {
	h := NewHub(&fakeSource{}, testLogger())
	rec, _ := attachAsync(t, h)
	time.Sleep(10 * time.Millisecond)
	assert.Contains(t, rec.Body.String(), ": connected")
}

func TestHub_PushFullBroadcastsWallboxStatusEvent(t *testing.T) {
	h := NewHub(&fakeSource{status: map[string]any{"state": 3}}, testLogger())
	rec, _ := attachAsync(t, h)

	h.PushFull(context.Background())
	time.Sleep(20 * time.Millisecond)

	body := rec.Body.String()
	assert.Contains(t, body, "event: wallbox-status")
	assert.Contains(t, body, `"state":3`)
}

func TestHub_PushPartialIncludesLastUpdated(t *testing.T) {
	h := NewHub(nil, testLogger())
	rec, _ := attachAsync(t, h)

	h.PushPartial(context.Background(), map[string]any{"plug": 7})
	time.Sleep(20 * time.Millisecond)

	body := rec.Body.String()
	assert.Contains(t, body, "event: wallbox-partial")
	assert.Contains(t, body, "lastUpdated")
}

func TestHub_ClientDisconnectRemovesItFromRegistry(t *testing.T) {
	h := NewHub(nil, testLogger())
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		h.Attach(rec, req)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, h.ClientCount())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Attach did not return after context cancellation")
	}
	assert.Equal(t, 0, h.ClientCount())
}

func TestHub_ShutdownSendsShutdownEventAndClearsRegistry(t *testing.T) {
	h := NewHub(nil, testLogger())
	rec, done := attachAsync(t, h)

	h.Shutdown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Attach did not return after Shutdown")
	}

	assert.Equal(t, 0, h.ClientCount())
	assert.Contains(t, rec.Body.String(), "event: shutdown")
}

func TestHub_IdleSweepPingsClientsPastThreshold(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return base }
	defer func() { nowFunc = time.Now }()

	h := NewHub(nil, testLogger())
	rec, _ := attachAsync(t, h)

	nowFunc = func() time.Time { return base.Add(31 * time.Second) }
	h.pingIdleClients()
	time.Sleep(20 * time.Millisecond)

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	found := false
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), ": ping") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestHub_BroadcastDropsMessageForBackloggedClientInsteadOfBlocking(t *testing.T) {
	h := NewHub(nil, testLogger())
	h.mu.Lock()
	c := &client{id: 99, messages: make(chan message)} // unbuffered, nobody reading
	h.clients[99] = c
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.PushPartial(context.Background(), map[string]any{"x": 1})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a backlogged client")
	}
}
