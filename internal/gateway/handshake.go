package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/AmanVatsSharma/vayu-gateway/internal/policy"
)

// HandshakeResult is the outcome of the 5-step handshake contract (spec
// §4.8.3), shared by both transports.
type HandshakeResult struct {
	OK        bool
	CloseCode string // missing_api_key | invalid_api_key | key_blocked_for_abuse | limit_exceeded
	Reason    string
	Key       policy.ApiKey
}

// ExtractAPIKey pulls api_key from query param or x-api-key header (spec
// §4.8.3 step 1, and §6's "api_key query or x-api-key header").
func ExtractAPIKey(r *http.Request) string {
	if k := r.URL.Query().Get("api_key"); k != "" {
		return k
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// Handshake runs validate -> abuse_status -> track_ws_connect, in the
// order spec §4.8.3 mandates. The caller is responsible for step 5
// (registering the ClientSession and emitting the welcome payload), since
// that differs per transport.
func Handshake(eng *policy.Engine, keyString string) HandshakeResult {
	if keyString == "" {
		return HandshakeResult{CloseCode: "missing_api_key", Reason: "api_key not provided"}
	}

	key, found := eng.Validate(keyString)
	if !found {
		return HandshakeResult{CloseCode: "invalid_api_key", Reason: "api key invalid or inactive"}
	}

	abuse := eng.AbuseStatus(keyString)
	if abuse.Blocked {
		return HandshakeResult{CloseCode: "key_blocked_for_abuse", Reason: strings.Join(abuse.Reasons, ",")}
	}

	if !eng.TrackWSConnect(context.Background(), keyString, key.ConnectionLimit) {
		return HandshakeResult{CloseCode: "limit_exceeded", Reason: "concurrent connection limit exceeded"}
	}

	return HandshakeResult{OK: true, Key: key}
}
