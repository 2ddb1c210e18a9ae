package wallbox

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evhome/chargectl/internal/logx"
	"github.com/evhome/chargectl/internal/udpchannel"
)

// fakeWallbox listens on the wallbox port on loopback, where the transport
// sends every command, and answers with a canned reply, standing in for
// the real device.
type fakeWallbox struct {
	conn *net.UDPConn
}

func newFakeWallbox(t *testing.T) *fakeWallbox {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: wallboxPort})
	require.NoError(t, err)
	return &fakeWallbox{conn: conn}
}

func (f *fakeWallbox) addr() *net.UDPAddr {
	return f.conn.LocalAddr().(*net.UDPAddr)
}

func (f *fakeWallbox) respondOnce(t *testing.T, reply string, delay time.Duration) {
	t.Helper()
	go func() {
		buf := make([]byte, 512)
		f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, remote, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		f.conn.WriteToUDP([]byte(reply), remote)
	}()
}

func newTestTransport(t *testing.T, cfg Config) (*Transport, context.CancelFunc) {
	t.Helper()
	hub := logx.NewHub()
	ch, err := udpchannel.New(hub.For(logx.CategoryUDP), "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go ch.Run(ctx)

	tr := New(ch, hub.For(logx.CategoryWallbox), cfg, false)
	go tr.Run(ctx)
	return tr, cancel
}

func TestTransport_SendCommandReturnsValidatedReply(t *testing.T) {
	tr, cancel := newTestTransport(t, DefaultConfig())
	defer cancel()

	fake := newFakeWallbox(t)
	defer fake.conn.Close()
	fake.respondOnce(t, `{"ID": 2, "State": 3, "Plug": 7}`, 0)

	ctx, done := context.WithTimeout(context.Background(), 3*time.Second)
	defer done()
	reply, err := tr.SendCommand(ctx, fake.addr().IP.String(), "report 2")
	require.NoError(t, err)
	v, ok := reply.Float("State")
	assert.True(t, ok)
	assert.Equal(t, float64(3), v)
}

func TestTransport_IgnoresUnsolicitedBroadcastWhileWaiting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	tr, cancel := newTestTransport(t, cfg)
	defer cancel()

	fake := newFakeWallbox(t)
	defer fake.conn.Close()

	go func() {
		buf := make([]byte, 512)
		fake.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, remote, err := fake.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		// Unsolicited broadcast shape arrives first; must be ignored.
		fake.conn.WriteToUDP([]byte(`{"Plug": 7}`), remote)
		time.Sleep(50 * time.Millisecond)
		fake.conn.WriteToUDP([]byte(`{"ID": 2, "State": 3, "Plug": 7}`), remote)
	}()

	ctx, done := context.WithTimeout(context.Background(), 3*time.Second)
	defer done()
	reply, err := tr.SendCommand(ctx, fake.addr().IP.String(), "report 2")
	require.NoError(t, err)
	v, _ := reply.Float("State")
	assert.Equal(t, float64(3), v)
}

func TestTransport_TimeoutAfterRetriesExhausted(t *testing.T) {
	cfg := Config{
		MaxAttempts:    2,
		BaseDelay:      10 * time.Millisecond,
		BackoffFactor:  2,
		RequestTimeout: 100 * time.Millisecond,
		PacingDelay:    10 * time.Millisecond,
	}
	tr, cancel := newTestTransport(t, cfg)
	defer cancel()

	fake := newFakeWallbox(t)
	defer fake.conn.Close()
	// Never responds.

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_, err := tr.SendCommand(ctx, fake.addr().IP.String(), "report 2")
	assert.Error(t, err)
}

func TestTransport_SendCommandNoResponseBypassesQueue(t *testing.T) {
	tr, cancel := newTestTransport(t, DefaultConfig())
	defer cancel()

	fake := newFakeWallbox(t)
	defer fake.conn.Close()

	err := tr.SendCommandNoResponse(fake.addr().IP.String(), "ena 0")
	require.NoError(t, err)

	buf := make([]byte, 512)
	fake.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := fake.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "ena 0", string(buf[:n]))
}
