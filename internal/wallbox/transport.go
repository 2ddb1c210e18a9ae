// Package wallbox wraps the UDP channel in a request/response multiplexer:
// one command in flight at a time, a FIFO queue behind it, per-reply
// validation, and timeout-triggered retry with backoff. Grounded on the
// teacher's "queue while busy, drain in order" idiom (src/mqtt_sender.go's
// mqttSenderWorker) generalized from an outbound MQTT queue to a full
// request/response cycle.
package wallbox

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/evhome/chargectl/internal/ctlerr"
	"github.com/evhome/chargectl/internal/logx"
	"github.com/evhome/chargectl/internal/udpchannel"
)

const wallboxPort = 7090

// Config tunes retry and pacing behaviour.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	BackoffFactor  int
	RequestTimeout time.Duration
	PacingDelay    time.Duration
}

// DefaultConfig matches the product defaults: 3 attempts, 500ms base delay
// doubling each retry, a 6s per-attempt timeout and a 100ms pacing gap.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		BackoffFactor:  2,
		RequestTimeout: 6 * time.Second,
		PacingDelay:    100 * time.Millisecond,
	}
}

type pending struct {
	ip      string
	cmd     string
	replyCh chan Reply
}

type request struct {
	ctx      context.Context
	ip       string
	text     string
	resultCh chan result
}

type result struct {
	reply Reply
	err   error
}

// Transport multiplexes wallbox requests over a shared udpchannel.Channel.
type Transport struct {
	ch        *udpchannel.Channel
	log       *logx.Logger
	cfg       Config
	demoMode  bool
	requests  chan request
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	current     *pending
	lastReplyAt time.Time
}

// New constructs a Transport over ch. demoMode relaxes the remote-address
// check to also accept loopback replies, for a mocked wallbox on localhost.
func New(ch *udpchannel.Channel, log *logx.Logger, cfg Config, demoMode bool) *Transport {
	return &Transport{
		ch:       ch,
		log:      log,
		cfg:      cfg,
		demoMode: demoMode,
		requests: make(chan request, 32),
		closed:   make(chan struct{}),
	}
}

// Run owns the single in-flight request worker and the reply-consuming
// subscription until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) {
	sub, unsubscribe := t.ch.Subscribe()
	defer unsubscribe()

	go func() {
		for {
			select {
			case msg, ok := <-sub:
				if !ok {
					return
				}
				if msg.Shutdown {
					t.closeOnce.Do(func() { close(t.closed) })
					continue
				}
				t.onMessage(msg)
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case req := <-t.requests:
			t.serve(req)
		case <-ctx.Done():
			t.drainWithError(fmt.Errorf("%w: shutting down", ctlerr.ErrTransportClosed))
			return
		}
	}
}

func (t *Transport) drainWithError(err error) {
	for {
		select {
		case req := <-t.requests:
			req.resultCh <- result{err: err}
		default:
			return
		}
	}
}

func (t *Transport) onMessage(msg udpchannel.Message) {
	if !msg.IsCommand {
		return
	}
	t.mu.Lock()
	cur := t.current
	t.mu.Unlock()
	if cur == nil {
		return
	}
	if !remoteMatches(msg.Remote, cur.ip, t.demoMode) {
		return
	}
	reply := parseReply(msg.Raw)
	if !validates(cur.cmd, reply) {
		return
	}
	select {
	case cur.replyCh <- reply:
	default:
	}
}

func remoteMatches(remote *net.UDPAddr, ip string, demoMode bool) bool {
	if remote == nil {
		return false
	}
	if remote.IP.String() == ip {
		return true
	}
	return demoMode && remote.IP.IsLoopback()
}

// SendCommand enqueues text for ip, waits for the in-flight slot, and
// returns the validated reply or an error after retries are exhausted.
func (t *Transport) SendCommand(ctx context.Context, ip, text string) (Reply, error) {
	req := request{ctx: ctx, ip: ip, text: text, resultCh: make(chan result, 1)}
	select {
	case t.requests <- req:
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-t.closed:
		return Reply{}, fmt.Errorf("%w: transport closed", ctlerr.ErrTransportClosed)
	}

	select {
	case res := <-req.resultCh:
		return res.reply, res.err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// SendCommandNoResponse fires text at ip without waiting for or validating
// a reply. It bypasses the in-flight queue entirely.
func (t *Transport) SendCommandNoResponse(ip, text string) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip, strconv.Itoa(wallboxPort)))
	if err != nil {
		return fmt.Errorf("%w: %v", ctlerr.ErrTransportClosed, err)
	}
	return t.ch.SendTo(addr, text)
}

func (t *Transport) serve(req request) {
	var lastErr error
	delay := t.cfg.BaseDelay

	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		reply, err := t.attempt(req)
		if err == nil {
			req.resultCh <- result{reply: reply}
			return
		}
		lastErr = err
		if ctlErrNotRetryable(err) {
			req.resultCh <- result{err: err}
			return
		}
		if attempt < t.cfg.MaxAttempts {
			t.log.Debug("retrying %q to %s after timeout (attempt %d/%d)", req.text, req.ip, attempt+1, t.cfg.MaxAttempts)
			select {
			case <-time.After(delay):
			case <-req.ctx.Done():
				req.resultCh <- result{err: req.ctx.Err()}
				return
			}
			delay *= time.Duration(t.cfg.BackoffFactor)
		}
	}
	req.resultCh <- result{err: lastErr}
}

func ctlErrNotRetryable(err error) bool {
	return err != ctlerr.ErrTransportTimeout
}

func (t *Transport) attempt(req request) (Reply, error) {
	replyCh := make(chan Reply, 1)
	p := &pending{ip: req.ip, cmd: req.text, replyCh: replyCh}

	t.pace()
	t.mu.Lock()
	t.current = p
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.current = nil
		t.mu.Unlock()
	}()

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(req.ip, strconv.Itoa(wallboxPort)))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ctlerr.ErrTransportClosed, err)
	}
	if err := t.ch.SendTo(addr, req.text); err != nil {
		return Reply{}, err
	}

	select {
	case reply := <-replyCh:
		t.mu.Lock()
		t.lastReplyAt = time.Now()
		t.mu.Unlock()
		return reply, nil
	case <-time.After(t.cfg.RequestTimeout):
		return Reply{}, ctlerr.ErrTransportTimeout
	case <-req.ctx.Done():
		return Reply{}, req.ctx.Err()
	}
}

// pace blocks until at least PacingDelay has elapsed since the last
// successful reply.
func (t *Transport) pace() {
	t.mu.Lock()
	last := t.lastReplyAt
	t.mu.Unlock()
	if last.IsZero() {
		return
	}
	elapsed := time.Since(last)
	if elapsed < t.cfg.PacingDelay {
		time.Sleep(t.cfg.PacingDelay - elapsed)
	}
}
