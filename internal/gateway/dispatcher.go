package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/vayu-gateway/internal/policy"
)

// ErrorCodes is the closed set of WS error codes spec §6 names.
var ErrorCodes = []string{
	"missing_api_key", "invalid_api_key", "key_blocked_for_abuse", "limit_exceeded",
	"invalid_payload", "invalid_mode", "stream_inactive", "rate_limited",
	"exchange_unresolved", "forbidden_exchange", "subscribe_failed", "unsubscribe_failed",
	"set_mode_failed", "quote_failed", "historical_failed", "status_failed", "list_failed",
	"unsubscribe_all_failed", "whoami_failed", "not_connected",
}

// EventDispatcher routes a decoded (event, data) pair to the right C8
// handler, shared by both transports (spec §4.8.1/4.8.2: "the same event
// set"). Deprecated aliases are accepted but logged at WARN (spec
// §4.8.1).
type EventDispatcher struct {
	policy  *policy.Engine
	handler *Handler
	logger  zerolog.Logger

	wsSubscribeRPS   float64
	wsUnsubscribeRPS float64
	wsModeRPS        float64

	onConnectFn    func(*ClientSession)
	onDisconnectFn func(*ClientSession)
}

func NewEventDispatcher(pol *policy.Engine, handler *Handler, wsSubscribeRPS, wsUnsubscribeRPS, wsModeRPS float64, logger zerolog.Logger) *EventDispatcher {
	return &EventDispatcher{
		policy: pol, handler: handler,
		wsSubscribeRPS: wsSubscribeRPS, wsUnsubscribeRPS: wsUnsubscribeRPS, wsModeRPS: wsModeRPS,
		logger: logger.With().Str("component", "gateway.dispatch").Logger(),
	}
}

// SetConnectHooks lets server wiring observe connect/disconnect for
// metrics without the dispatcher importing the metrics package directly.
func (d *EventDispatcher) SetConnectHooks(onConnect, onDisconnect func(*ClientSession)) {
	d.onConnectFn = onConnect
	d.onDisconnectFn = onDisconnect
}

func (d *EventDispatcher) onConnect(s *ClientSession) {
	if d.onConnectFn != nil {
		d.onConnectFn(s)
	}
}

func (d *EventDispatcher) onDisconnect(s *ClientSession) {
	d.handler.HandleDisconnect(s)
	if s.ApiKey != "" {
		d.policy.UntrackWSConnect(context.Background(), s.ApiKey)
	}
	if d.onDisconnectFn != nil {
		d.onDisconnectFn(s)
	}
}

// handle dispatches one decoded event. Deprecated aliases
// subscribe_instruments/unsubscribe_instruments are accepted but logged
// at WARN (spec §4.8.1).
func (d *EventDispatcher) handle(session *ClientSession, apiKey, event string, data json.RawMessage) {
	switch event {
	case "subscribe", "subscribe_instruments":
		if event == "subscribe_instruments" {
			d.logger.Warn().Str("session", session.ID).Msg("deprecated event alias subscribe_instruments used")
		}
		if !d.charge(session, apiKey, "subscribe", d.wsSubscribeRPS) {
			return
		}
		var req SubscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			d.sendError(session, "invalid_payload", "malformed subscribe payload")
			return
		}
		res, evErr := d.handler.HandleSubscribe(session, req)
		if evErr != nil {
			d.sendError(session, evErr.Code, evErr.Message)
			return
		}
		// Seed test #4: an unresolved token gets both a field on the
		// confirmation AND its own error event, one per token.
		for _, tok := range res.Unresolved {
			d.send(session, "error", unresolvedTokenError{
				Code: "exchange_unresolved", Message: "token could not be resolved to an exchange", Token: tok,
			})
		}
		d.send(session, "subscription_confirmed", res)

	case "unsubscribe", "unsubscribe_instruments":
		if event == "unsubscribe_instruments" {
			d.logger.Warn().Str("session", session.ID).Msg("deprecated event alias unsubscribe_instruments used")
		}
		if !d.charge(session, apiKey, "unsubscribe", d.wsUnsubscribeRPS) {
			return
		}
		var req SubscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			d.sendError(session, "invalid_payload", "malformed unsubscribe payload")
			return
		}
		res := d.handler.HandleUnsubscribe(session, req)
		d.send(session, "unsubscription_confirmed", res)

	case "set_mode":
		if !d.charge(session, apiKey, "set_mode", d.wsModeRPS) {
			return
		}
		var req SubscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			d.sendError(session, "invalid_payload", "malformed set_mode payload")
			return
		}
		res, evErr := d.handler.HandleSetMode(session, req)
		if evErr != nil {
			d.sendError(session, evErr.Code, evErr.Message)
			return
		}
		d.send(session, "mode_set", res)

	case "list_subscriptions":
		d.send(session, "subscriptions", session.Rooms())

	case "unsubscribe_all":
		d.handler.HandleDisconnect(session) // releases all refcount contributions
		d.send(session, "unsubscribed_all", map[string]any{"timestamp": time.Now().UnixMilli()})

	case "ping":
		d.send(session, "pong", map[string]any{"timestamp": time.Now().UnixMilli()})

	case "whoami":
		d.send(session, "whoami", map[string]any{"session_id": session.ID, "api_key": session.ApiKey, "tenant_id": session.TenantID})

	case "status":
		d.send(session, "status", map[string]any{"connected": true, "timestamp": time.Now().UnixMilli()})

	case "get_quote":
		var req SubscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			d.sendError(session, "invalid_payload", "malformed get_quote payload")
			return
		}
		res, evErr := d.handler.HandleGetQuote(context.Background(), req)
		if evErr != nil {
			d.sendError(session, evErr.Code, evErr.Message)
			return
		}
		d.send(session, "quote_data", res)

	case "get_historical_data":
		var req HistoricalRequest
		if err := json.Unmarshal(data, &req); err != nil {
			d.sendError(session, "invalid_payload", "malformed get_historical_data payload")
			return
		}
		res, evErr := d.handler.HandleGetHistorical(context.Background(), req)
		if evErr != nil {
			d.sendError(session, evErr.Code, evErr.Message)
			return
		}
		d.send(session, "historical_data", res)

	default:
		d.sendError(session, "invalid_payload", "unknown event: "+event)
	}
}

func (d *EventDispatcher) charge(session *ClientSession, apiKey, eventName string, defaultRPS float64) bool {
	key, _ := d.policy.Validate(apiKey)
	limit := defaultRPS
	switch eventName {
	case "subscribe":
		if key.WSSubscribeRPS > 0 {
			limit = key.WSSubscribeRPS
		}
	case "unsubscribe":
		if key.WSUnsubscribeRPS > 0 {
			limit = key.WSUnsubscribeRPS
		}
	case "set_mode":
		if key.WSModeRPS > 0 {
			limit = key.WSModeRPS
		}
	}
	res := d.policy.ChargeWSEvent(context.Background(), session.ID, eventName, limit)
	if !res.Allowed {
		d.sendError(session, "rate_limited", "rate limit exceeded for "+eventName)
		return false
	}
	return true
}

func (d *EventDispatcher) sendError(session *ClientSession, code, message string) {
	d.send(session, "error", EventError{Code: code, Message: message})
}

// unresolvedTokenError is the per-token error{code:"exchange_unresolved"}
// event spec.md's seed test #4 requires alongside subscription_confirmed's
// Unresolved field.
type unresolvedTokenError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Token   int32  `json:"token"`
}

func (d *EventDispatcher) send(session *ClientSession, event string, payload any) {
	b, err := json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{Event: event, Data: payload})
	if err != nil {
		d.logger.Warn().Err(err).Str("event", event).Msg("failed to encode outbound event")
		return
	}
	session.TryEnqueue(b, defaultOutboundBufferHighWater, defaultSlowClientGrace)
}
