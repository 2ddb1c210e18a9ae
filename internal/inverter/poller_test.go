package inverter

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evhome/chargectl/internal/logx"
	"github.com/evhome/chargectl/internal/notify"
	"github.com/evhome/chargectl/internal/store"
)

// fakeModbusServer speaks just enough Modbus/TCP (function code 3, read
// holding registers) to drive the poller end to end without a real device.
type fakeModbusServer struct {
	listener net.Listener
	registers map[uint16]uint16
	fail      bool
}

func newFakeModbusServer(t *testing.T) *fakeModbusServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &fakeModbusServer{listener: ln, registers: map[uint16]uint16{}}
}

func (s *fakeModbusServer) addr() string { return s.listener.Addr().String() }

func (s *fakeModbusServer) setInt32(offset uint16, v int32) {
	s.registers[offset] = uint16(uint32(v) & 0xFFFF)
	s.registers[offset+1] = uint16(uint32(v) >> 16)
}

func (s *fakeModbusServer) setUint16(offset uint16, v uint16) {
	s.registers[offset] = v
}

func (s *fakeModbusServer) serve(t *testing.T) {
	t.Helper()
	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				return
			}
			go s.handle(t, conn)
		}
	}()
}

func (s *fakeModbusServer) handle(t *testing.T, conn net.Conn) {
	defer conn.Close()
	for {
		header := make([]byte, 7)
		if _, err := readFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		pdu := make([]byte, length-1)
		if _, err := readFull(conn, pdu); err != nil {
			return
		}
		if s.fail {
			return
		}

		startAddr := binary.BigEndian.Uint16(pdu[1:3])
		qty := binary.BigEndian.Uint16(pdu[3:5])

		data := make([]byte, qty*2)
		for i := uint16(0); i < qty; i++ {
			binary.BigEndian.PutUint16(data[i*2:i*2+2], s.registers[startAddr+i])
		}

		resp := make([]byte, 0, 9+len(data))
		resp = append(resp, header[0], header[1], 0, 0)
		respLen := uint16(3 + len(data))
		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, respLen)
		resp = append(resp, lenBuf...)
		resp = append(resp, header[6])
		resp = append(resp, pdu[0], byte(len(data)))
		resp = append(resp, data...)

		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestPoller_ReadsAndPublishesDecodedSnapshot(t *testing.T) {
	server := newFakeModbusServer(t)
	server.setInt32(regPVPower, 6000)
	server.setInt32(regBatteryPower, -800)
	server.setInt32(regHousePower, 1500)
	server.setInt32(regGridPower, -3700)
	server.setUint16(regAutarkySelfC, uint16(80)<<8|60)
	server.setUint16(regBatterySOC, 55)
	server.serve(t)
	defer server.listener.Close()

	mem := store.NewMemory(store.Settings{
		ChargingStrategy: store.ChargingStrategyConfig{ActiveStrategy: store.StrategySurplusBatteryPrio},
	})
	hub := NewHub()
	rec := &notify.Recorder{}
	logHub := logx.NewHub()
	cfg := DefaultConfig(server.addr())
	p := New(cfg, mem, rec, logHub.For(logx.CategoryInverter), hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	sub, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	select {
	case snap := <-sub:
		assert.Equal(t, 6000.0, snap.Live.PVPower)
		assert.Equal(t, -800.0, snap.Live.BatteryPower)
		assert.Equal(t, 1500.0, snap.Live.HousePower)
		assert.Equal(t, -3700.0, snap.Live.GridPower)
		assert.Equal(t, 80.0, snap.Live.Autarky)
		assert.Equal(t, 60.0, snap.Live.SelfConsumption)
		assert.Equal(t, 55.0, snap.Live.BatterySOC)
		assert.Equal(t, ConnectionConnected, snap.State)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
}

func TestPoller_FailedReadAdvancesBackoffAndFiresLostNotification(t *testing.T) {
	server := newFakeModbusServer(t)
	server.fail = true
	server.serve(t)
	defer server.listener.Close()

	mem := store.NewMemory(store.Settings{})
	hub := NewHub()
	rec := &notify.Recorder{}
	logHub := logx.NewHub()
	cfg := DefaultConfig(server.addr())
	cfg.DialTimeout = 200 * time.Millisecond
	p := New(cfg, mem, rec, logHub.For(logx.CategoryInverter), hub)

	p.cycle(context.Background())

	assert.Equal(t, 1, p.backoffIdx)
	assert.Equal(t, 1, rec.Count(notify.EventE3DCConnectionLost))
}
