// Package upstream implements C5, the Vortex provider driver: OAuth token
// lifecycle, the binary-tick WebSocket client with its reconnect state
// machine, the tick parser, and the snapshot REST client.
package upstream

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/vayu-gateway/internal/kv"
	"github.com/AmanVatsSharma/vayu-gateway/internal/store"
)

// Config is the set of upstream-specific settings C5 needs, sourced from
// internal/config.Config.
type Config struct {
	ApplicationID string
	APIKey        string
	APISecret     string
	BaseURL       string // e.g. https://vortex.example.com
	WSHost        string // e.g. wss://wire.vortex.example.com
}

// SessionManager owns the OAuth callback flow and the durable/KV-visible
// access token (spec §4.5.1).
type SessionManager struct {
	cfg        Config
	store      *store.Store
	kv         kv.KV
	logger     zerolog.Logger
	httpClient *http.Client

	onTokenRefreshed func(accessToken string) // triggers WS (re)connect
}

func NewSessionManager(cfg Config, st *store.Store, k kv.KV, logger zerolog.Logger, onTokenRefreshed func(string)) *SessionManager {
	return &SessionManager{
		cfg: cfg, store: st, kv: k,
		logger:           logger.With().Str("component", "upstream.session").Logger(),
		httpClient:       &http.Client{Timeout: 15 * time.Second},
		onTokenRefreshed: onTokenRefreshed,
	}
}

// LoginURL implements GET login: the upstream's consent URL bound to the
// configured applicationId (spec §4.5.1).
func (sm *SessionManager) LoginURL() (string, error) {
	if sm.cfg.ApplicationID == "" || sm.cfg.BaseURL == "" {
		return "", fmt.Errorf("config_missing: applicationId/baseURL not configured")
	}
	return fmt.Sprintf("%s/login?applicationId=%s", sm.cfg.BaseURL, sm.cfg.ApplicationID), nil
}

type sessionResponse struct {
	Status string `json:"status"`
	Data   struct {
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

// Callback implements GET callback's five-step flow (spec §4.5.1). All
// five post-validation steps are best-effort-individually but logged in
// order; once the upstream has issued an unexpired token the function
// returns success, even if persisting it, writing it to KV or the
// onTokenRefreshed hook fails (each failure is only logged).
func (sm *SessionManager) Callback(ctx context.Context, auth string) error {
	if auth == "" {
		return fmt.Errorf("invalid_auth_state: empty auth token")
	}

	checksum := computeChecksum(sm.cfg.ApplicationID, auth, sm.cfg.APIKey)

	body, _ := json.Marshal(map[string]string{
		"checksum":      checksum,
		"applicationId": sm.cfg.ApplicationID,
		"token":         auth,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sm.cfg.BaseURL+"/user/session", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upstream_session_failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", sm.cfg.APIKey)

	resp, err := sm.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream_session_failed: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream_session_failed(%d, %s)", resp.StatusCode, string(raw))
	}

	var parsed sessionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Status != "success" {
		return fmt.Errorf("upstream_session_failed(%d, %s)", resp.StatusCode, string(raw))
	}
	if parsed.Data.AccessToken == "" {
		return fmt.Errorf("no_access_token")
	}

	accessToken := parsed.Data.AccessToken
	ttl, err := tokenTTL(accessToken, sm.logger)
	if err != nil {
		return fmt.Errorf("expired_token: %w", err)
	}
	now := time.Now().UTC()

	// Step 5: deactivate-then-insert, write to KV, notify — each logged,
	// none fatal to a previous step's success.
	if err := sm.store.ActivateSession(&store.UpstreamSessionRecord{
		Provider: "vortex", AccessToken: accessToken, IssuedAt: now, ExpiresAt: now.Add(ttl),
	}); err != nil {
		sm.logger.Warn().Err(err).Msg("failed to persist upstream session")
	}
	if err := sm.kv.Set(ctx, "vortex:access_token", []byte(accessToken), ttl); err != nil {
		sm.logger.Warn().Err(err).Msg("failed to write access token to kv")
	}
	if sm.onTokenRefreshed != nil {
		sm.onTokenRefreshed(accessToken)
	}

	return nil
}

// CurrentAccessToken returns the most recently issued token from KV,
// consulted by the snapshot REST client on every call rather than cached
// locally (spec §4.5.1: the token is the KV copy's responsibility to keep
// fresh, not each caller's).
func (sm *SessionManager) CurrentAccessToken() string {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	token, ok := sm.kv.Get(ctx, "vortex:access_token")
	if !ok {
		return ""
	}
	return string(token)
}

// ErrExpiredToken is returned by tokenTTL when the JWT's exp claim is
// already in the past (spec.md:315: "upstream session rejected with
// expired_token").
var ErrExpiredToken = fmt.Errorf("expired_token")

// tokenTTL parses the JWT's exp claim best-effort; the upstream's
// signature was already verified over HTTPS, so this only needs to read
// the claim, not validate it (SPEC_FULL.md §4.5 expansion). A missing exp
// claim defaults to a 24h TTL (spec.md:315); an exp already in the past
// is rejected outright rather than floored to a minimum TTL.
func tokenTTL(accessToken string, logger zerolog.Logger) (time.Duration, error) {
	const fallback = 24 * time.Hour

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		logger.Warn().Err(err).Msg("failed to parse access token exp claim, using fallback ttl")
		return fallback, nil
	}
	expFloat, ok := claims["exp"].(float64)
	if !ok {
		return fallback, nil
	}
	exp := time.Unix(int64(expFloat), 0)
	remaining := time.Until(exp)
	if remaining <= 0 {
		return 0, ErrExpiredToken
	}
	return remaining, nil
}

func computeChecksum(applicationID, auth, apiKey string) string {
	sum := sha256.Sum256([]byte(applicationID + auth + apiKey))
	return hex.EncodeToString(sum[:])
}
