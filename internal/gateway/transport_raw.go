package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// rawPingInterval/rawPongTimeout implement spec §4.8.2: "Pings from the
// server every 30s; sessions whose pongs lag > 90s are terminated."
const (
	rawPingInterval = 30 * time.Second
	rawPongTimeout  = 90 * time.Second
)

// rawEnvelope is the single JSON message shape of Transport B (spec
// §4.8.2): {event, data?}.
type rawEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RawTransport serves path /ws: one WebSocket frame per JSON message,
// same event set as Transport A minus welcome onboarding (spec §4.8.2).
// Read/write pump structure is grounded line-for-line on
// ws/internal/shared/handlers_ws.go, pump_read.go, and pump_write.go.
type RawTransport struct {
	dispatch *EventDispatcher
	logger   zerolog.Logger
	sendBuf  int
	admit    AdmissionCheck
}

// AdmissionCheck is consulted before a transport even runs C4's API-key
// handshake — a process-wide guard (internal/admission.Guard) protecting
// the gateway itself, distinct from any single tenant's policy limits.
// A nil AdmissionCheck always admits, so transports built without one
// (e.g. in tests) behave exactly as before this check existed.
type AdmissionCheck func() (accept bool, reason string)

func NewRawTransport(dispatch *EventDispatcher, sendBufferSize int, admit AdmissionCheck, logger zerolog.Logger) *RawTransport {
	return &RawTransport{dispatch: dispatch, logger: logger.With().Str("component", "gateway.raw").Logger(), sendBuf: sendBufferSize, admit: admit}
}

func (t *RawTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.admit != nil {
		if ok, reason := t.admit(); !ok {
			t.logger.Warn().Str("reason", reason).Msg("connection rejected by admission guard")
			http.Error(w, "service at capacity", http.StatusServiceUnavailable)
			return
		}
	}

	keyString := ExtractAPIKey(r)
	result := Handshake(t.dispatch.policy, keyString)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		t.logger.Warn().Err(err).Msg("raw ws upgrade failed")
		return
	}

	if !result.OK {
		_ = wsutil.WriteServerMessage(conn, ws.OpClose,
			ws.NewCloseFrameBody(ws.StatusPolicyViolation, result.CloseCode+": "+result.Reason))
		_ = conn.Close()
		return
	}

	session := NewClientSession(TransportRaw, keyString, result.Key.TenantID, t.sendBuf,
		func(payload []byte) error { return wsutil.WriteServerMessage(conn, ws.OpText, payload) },
		func(reason string) {
			_ = wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, reason))
			_ = conn.Close()
		})

	t.dispatch.onConnect(session)

	done := make(chan struct{})
	var lastPong atomic.Int64
	lastPong.Store(time.Now().UnixNano())
	go t.writePump(conn, session, done, &lastPong)
	t.readPump(conn, session, keyString, &lastPong)
	close(done)

	t.dispatch.onDisconnect(session)
	_ = conn.Close()
}

func (t *RawTransport) writePump(conn net.Conn, session *ClientSession, done <-chan struct{}, lastPong *atomic.Int64) {
	pingTicker := time.NewTicker(rawPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return
		case payload, ok := <-session.SendChan():
			if !ok {
				return
			}
			if err := wsutil.WriteServerMessage(conn, ws.OpText, payload); err != nil {
				return
			}
			session.AckSent(len(payload))
		case <-pingTicker.C:
			if time.Since(time.Unix(0, lastPong.Load())) > rawPongTimeout {
				session.Close("pong_timeout")
				return
			}
			if err := wsutil.WriteServerMessage(conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (t *RawTransport) readPump(conn net.Conn, session *ClientSession, apiKey string, lastPong *atomic.Int64) {
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		switch op {
		case ws.OpText:
			var env rawEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.dispatch.sendError(session, "invalid_payload", "malformed json envelope")
				continue
			}
			t.dispatch.handle(session, apiKey, env.Event, env.Data)
		case ws.OpPong:
			lastPong.Store(time.Now().UnixNano())
		case ws.OpClose:
			return
		}
	}
}
