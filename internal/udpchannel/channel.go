// Package udpchannel owns the single UDP socket the controller uses to talk
// to the wallbox: one receive loop, classified datagrams multicast to every
// subscriber, and fire-and-forget unicast/broadcast sends. Grounded on the
// teacher's channel-driven worker style (src/mqtt_worker.go, src/main.go),
// generalized from MQTT topics to classified UDP datagrams.
package udpchannel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/evhome/chargectl/internal/ctlerr"
	"github.com/evhome/chargectl/internal/logx"
)

// Message is a classified inbound datagram, or the shutdown sentinel
// delivered to every subscriber right before the socket closes.
type Message struct {
	Raw         string
	JSON        map[string]any
	IsJSON      bool
	HasID       bool
	HasTchToken bool
	IsBroadcast bool
	IsCommand   bool
	Remote      *net.UDPAddr
	Shutdown    bool
}

const bufferSize = 4096

// Channel is the single owner of the UDP 7090 socket.
type Channel struct {
	log  *logx.Logger
	conn *net.UDPConn

	mu      sync.Mutex
	subs    map[int]chan Message
	nextSub int
	running bool
}

// New binds the UDP socket at addr (host:port, typically ":7090") with
// address reuse so a restart doesn't have to wait out TIME_WAIT.
func New(log *logx.Logger, addr string) (*Channel, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udpchannel: listen %s: %w", addr, err)
	}
	return &Channel{
		log:     log,
		conn:    pc.(*net.UDPConn),
		subs:    make(map[int]chan Message),
		running: true,
	}, nil
}

// Subscribe registers a new consumer of every classified datagram. The
// returned channel receives a final Message{Shutdown: true} and is then
// closed when the Channel stops.
func (c *Channel) Subscribe() (<-chan Message, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Message, 64)
	c.subs[id] = ch

	unsubscribe := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Run owns the receive loop until ctx is cancelled or the socket errors.
func (c *Channel) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	buf := make([]byte, bufferSize)
	for {
		n, remote, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			c.mu.Lock()
			stillRunning := c.running
			c.mu.Unlock()
			if !stillRunning {
				return
			}
			c.log.Warning("read error: %v", err)
			continue
		}
		cl := classify(string(buf[:n]))
		c.dispatch(Message{
			Raw:         cl.raw,
			JSON:        cl.payload,
			IsJSON:      cl.isJSON,
			HasID:       cl.hasID,
			HasTchToken: cl.hasTchToken,
			IsBroadcast: cl.isBroadcast,
			IsCommand:   cl.isCommand,
			Remote:      remote,
		})
	}
}

func (c *Channel) dispatch(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		select {
		case sub <- m:
		default:
			c.log.Warning("subscriber queue full, dropping datagram")
		}
	}
}

// SendTo unicasts text, fire-and-forget, to the given UDP address.
func (c *Channel) SendTo(addr *net.UDPAddr, text string) error {
	_, err := c.conn.WriteToUDP([]byte(text), addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ctlerr.ErrTransportClosed, err)
	}
	return nil
}

// SendBroadcast sends text to the limited broadcast address on port, and
// re-dispatches it locally: the kernel never loops a broadcast datagram
// back to its own sending socket, but every local subscriber still needs
// to observe it exactly as it would observe a reply from the device.
func (c *Channel) SendBroadcast(port int, text string) error {
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: port}
	if _, err := c.conn.WriteToUDP([]byte(text), dst); err != nil {
		return fmt.Errorf("%w: %v", ctlerr.ErrTransportClosed, err)
	}
	cl := classify(text)
	local := c.conn.LocalAddr().(*net.UDPAddr)
	c.dispatch(Message{
		Raw:         cl.raw,
		JSON:        cl.payload,
		IsJSON:      cl.isJSON,
		HasID:       cl.hasID,
		HasTchToken: cl.hasTchToken,
		IsBroadcast: cl.isBroadcast,
		IsCommand:   cl.isCommand,
		Remote:      local,
	})
	return nil
}

// Close notifies every subscriber of shutdown and tears down the socket.
// Safe to call multiple times.
func (c *Channel) Close() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	for _, sub := range c.subs {
		select {
		case sub <- Message{Shutdown: true}:
		case <-time.After(100 * time.Millisecond):
		}
		close(sub)
	}
	c.subs = map[int]chan Message{}
	c.mu.Unlock()

	_ = c.conn.Close()
}
