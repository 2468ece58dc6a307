package gateway

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	socketIOPingInterval = 30 * time.Second
	socketIOPongTimeout  = 90 * time.Second
)

var socketIOUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// welcomePayload is emitted once on successful handshake (spec §4.8.1).
type welcomePayload struct {
	ProtocolVersion string   `json:"protocol_version"`
	Provider        string   `json:"provider"`
	Exchanges       []string `json:"exchanges"`
	Limits          any      `json:"limits"`
	Instructions    string   `json:"instructions"`
}

// SocketIOTransport serves namespace /market-data. It speaks the same
// event contract as RawTransport but onboards with connected+welcome
// messages (spec §4.8.1), using gorilla/websocket for compatibility with
// the Socket.IO-style JSON event envelope existing clients expect.
type SocketIOTransport struct {
	dispatch  *EventDispatcher
	logger    zerolog.Logger
	sendBuf   int
	provider  func() string
	exchanges []string
	limits    any
	admit     AdmissionCheck
}

func NewSocketIOTransport(dispatch *EventDispatcher, sendBufferSize int, provider func() string, exchanges []string, limits any, admit AdmissionCheck, logger zerolog.Logger) *SocketIOTransport {
	return &SocketIOTransport{
		dispatch: dispatch, sendBuf: sendBufferSize, provider: provider, exchanges: exchanges, limits: limits, admit: admit,
		logger: logger.With().Str("component", "gateway.socketio").Logger(),
	}
}

func (t *SocketIOTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.admit != nil {
		if ok, reason := t.admit(); !ok {
			t.logger.Warn().Str("reason", reason).Msg("connection rejected by admission guard")
			http.Error(w, "service at capacity", http.StatusServiceUnavailable)
			return
		}
	}

	keyString := ExtractAPIKey(r)
	result := Handshake(t.dispatch.policy, keyString)

	conn, err := socketIOUpgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn().Err(err).Msg("market-data ws upgrade failed")
		return
	}

	if !result.OK {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, result.CloseCode+": "+result.Reason))
		_ = conn.Close()
		return
	}

	session := NewClientSession(TransportSocketIO, keyString, result.Key.TenantID, t.sendBuf,
		func(payload []byte) error { return conn.WriteMessage(websocket.TextMessage, payload) },
		func(reason string) {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
			_ = conn.Close()
		})

	t.dispatch.onConnect(session)
	t.emitOnboarding(session)

	done := make(chan struct{})
	var lastPong atomic.Int64
	lastPong.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error { lastPong.Store(time.Now().UnixNano()); return nil })

	go t.writePump(conn, session, done, &lastPong)
	t.readPump(conn, session, keyString)
	close(done)

	t.dispatch.onDisconnect(session)
	_ = conn.Close()
}

func (t *SocketIOTransport) emitOnboarding(session *ClientSession) {
	connectedMsg, _ := json.Marshal(map[string]any{
		"event": "connected",
		"data":  map[string]any{"clientId": session.ID, "ts": time.Now().UnixMilli()},
	})
	session.TryEnqueue(connectedMsg, defaultOutboundBufferHighWater, defaultSlowClientGrace)

	welcome, _ := json.Marshal(map[string]any{
		"event": "welcome",
		"data": welcomePayload{
			ProtocolVersion: "1",
			Provider:        t.provider(),
			Exchanges:       t.exchanges,
			Limits:          t.limits,
			Instructions:    "subscribe with {instruments, mode} to begin receiving market_data events",
		},
	})
	session.TryEnqueue(welcome, defaultOutboundBufferHighWater, defaultSlowClientGrace)
}

func (t *SocketIOTransport) writePump(conn *websocket.Conn, session *ClientSession, done <-chan struct{}, lastPong *atomic.Int64) {
	pingTicker := time.NewTicker(socketIOPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return
		case payload, ok := <-session.SendChan():
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			session.AckSent(len(payload))
		case <-pingTicker.C:
			if time.Since(time.Unix(0, lastPong.Load())) > socketIOPongTimeout {
				session.Close("pong_timeout")
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *SocketIOTransport) readPump(conn *websocket.Conn, session *ClientSession, apiKey string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env rawEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.dispatch.sendError(session, "invalid_payload", "malformed json envelope")
			continue
		}
		t.dispatch.handle(session, apiKey, env.Event, env.Data)
	}
}
