package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
)

// ConnState is one state of the reconnect state machine (spec §4.5.2).
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateBackoff
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

const (
	maxEmitRatePerSecond = 50
	maxBackoff           = 30 * time.Second
	pingInterval         = 30 * time.Second
	maxMissedPongs       = 3
)

// SubscribeFrame is the JSON text frame the driver sends per (exchange,
// token, mode, action) tuple (spec §4.5.2).
type SubscribeFrame struct {
	Exchange    domain.Exchange `json:"exchange"`
	Token       int32           `json:"token"`
	Mode        string          `json:"mode"`
	MessageType string          `json:"message_type"` // "subscribe" | "unsubscribe"
}

// RefcountSnapshot is a (token, mode) entry the driver resubscribes to on
// reconnect; the multiplexer supplies this, the driver holds no state
// across reconnects itself (spec §4.5.2).
type RefcountSnapshot struct {
	Exchange domain.Exchange
	Token    int32
	Mode     domain.Mode
}

// RefcountSource supplies the current resubscribe burst after open.
type RefcountSource func() []RefcountSnapshot

// WSClient is one upstream WebSocket connection with its own reconnect
// state machine (spec §4.5.2's disconnected/connecting/open/backoff FSM).
type WSClient struct {
	id           int
	wsHost       string
	accessToken  string
	tokenMu      sync.RWMutex
	logger       zerolog.Logger
	parser       *Parser
	onTick       func(domain.Tick)
	refcountSrc  RefcountSource

	state      atomic.Int32
	backoffN   atomic.Int32
	missedPong atomic.Int32
	conn       net.Conn
	connMu     sync.Mutex

	cancel context.CancelFunc
}

func NewWSClient(id int, wsHost, accessToken string, parser *Parser, onTick func(domain.Tick), refcountSrc RefcountSource, logger zerolog.Logger) *WSClient {
	c := &WSClient{
		id: id, wsHost: wsHost, accessToken: accessToken,
		logger: logger.With().Str("component", "upstream.ws").Int("conn_id", id).Logger(),
		parser: parser, onTick: onTick, refcountSrc: refcountSrc,
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

func (c *WSClient) State() ConnState { return ConnState(c.state.Load()) }

// IsConnected reports whether the connection is currently open, satisfying
// the multiplexer.Driver interface.
func (c *WSClient) IsConnected() bool { return c.State() == StateOpen }

// SetAccessToken updates the token used on the next (re)connect.
func (c *WSClient) SetAccessToken(token string) {
	c.tokenMu.Lock()
	c.accessToken = token
	c.tokenMu.Unlock()
}

func (c *WSClient) token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.accessToken
}

// Run drives the FSM until ctx is cancelled: connect, read loop, backoff,
// repeat. It never returns until ctx.Done().
func (c *WSClient) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for {
		select {
		case <-ctx.Done():
			c.state.Store(int32(StateDisconnected))
			return
		default:
		}

		c.state.Store(int32(StateConnecting))
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("upstream ws dial failed, entering backoff")
			if !c.sleepBackoff(ctx) {
				return
			}
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.state.Store(int32(StateOpen))
		c.backoffN.Store(0)
		c.missedPong.Store(0)
		c.logger.Info().Msg("upstream ws connection open")

		c.resubscribeAll()

		pingCtx, stopPing := context.WithCancel(ctx)
		go c.pingLoop(pingCtx, conn)

		c.readLoop(ctx, conn)
		stopPing()
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
		c.state.Store(int32(StateBackoff))
		if !c.sleepBackoff(ctx) {
			return
		}
	}
}

func (c *WSClient) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *WSClient) dial(ctx context.Context) (net.Conn, error) {
	url := fmt.Sprintf("%s/ws?auth_token=%s", c.wsHost, c.token())
	dialer := ws.Dialer{Timeout: 10 * time.Second}
	conn, _, _, err := dialer.Dial(ctx, url)
	return conn, err
}

// sleepBackoff waits 1s,2s,4s,...capped at 30s, jittered +/-20% (spec
// §4.5.2), returning false if ctx was cancelled during the wait.
func (c *WSClient) sleepBackoff(ctx context.Context) bool {
	n := c.backoffN.Add(1)
	base := time.Duration(1<<uint(min(n-1, 5))) * time.Second
	if base > maxBackoff {
		base = maxBackoff
	}
	jitterFrac := (rand.Float64()*0.4 - 0.2) // +/-20%
	delay := time.Duration(float64(base) * (1 + jitterFrac))

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func min(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

// resubscribeAll emits the full refcount table in a single burst,
// respecting the emit-rate ceiling of 50/s (spec §4.5.2).
func (c *WSClient) resubscribeAll() {
	if c.refcountSrc == nil {
		return
	}
	entries := c.refcountSrc()
	ticker := time.NewTicker(time.Second / maxEmitRatePerSecond)
	defer ticker.Stop()
	for _, e := range entries {
		frame := SubscribeFrame{Exchange: e.Exchange, Token: e.Token, Mode: e.Mode.String(), MessageType: "subscribe"}
		if err := c.sendFrame(frame); err != nil {
			c.logger.Warn().Err(err).Msg("failed to resend subscribe frame on reconnect")
			return
		}
		<-ticker.C
	}
}

func (c *WSClient) sendFrame(frame SubscribeFrame) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("no active connection")
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, b)
}

// Subscribe/Unsubscribe send a single tuple frame immediately (used by the
// multiplexer outside of the reconnect burst).
func (c *WSClient) Subscribe(exchange domain.Exchange, token int32, mode domain.Mode) error {
	return c.sendFrame(SubscribeFrame{Exchange: exchange, Token: token, Mode: mode.String(), MessageType: "subscribe"})
}

func (c *WSClient) Unsubscribe(exchange domain.Exchange, token int32) error {
	return c.sendFrame(SubscribeFrame{Exchange: exchange, Token: token, MessageType: "unsubscribe"})
}

func (c *WSClient) pingLoop(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.missedPong.Load() >= maxMissedPongs {
				c.logger.Warn().Msg("missed 3 consecutive pongs, closing upstream connection")
				_ = conn.Close()
				return
			}
			c.missedPong.Add(1)
			if err := wsutil.WriteClientMessage(conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// readLoop reads frames until error/close, dispatching text (control) and
// binary (tick) frames. A 1-byte heartbeat is dropped silently (spec
// §4.5.2).
func (c *WSClient) readLoop(ctx context.Context, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			c.logger.Debug().Err(err).Msg("upstream ws read ended")
			return
		}

		switch op {
		case ws.OpPong:
			c.missedPong.Store(0)
		case ws.OpBinary:
			if len(data) == 1 {
				continue // idle heartbeat, dropped silently
			}
			ticks, err := c.parser.ParseFrame(data)
			if err != nil {
				c.logger.Warn().Err(err).Msg("failed to parse upstream binary frame")
			}
			for _, t := range ticks {
				if c.onTick != nil {
					c.onTick(t)
				}
			}
		case ws.OpText:
			c.logger.Debug().Str("payload", string(data)).Msg("upstream control/postback message")
		case ws.OpClose:
			return
		}
	}
}
