// Package admin implements C9, the control plane: global provider
// selection, streaming start/stop, API-key CRUD and policy updates, and a
// best-effort cross-instance stats scatter-gather (spec §4.9). Every
// operation here is gated by a static admin token compared against the
// x-admin-token header, the way the teacher gates its own privileged
// surfaces with a single shared secret rather than per-operation ACLs.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
	"github.com/AmanVatsSharma/vayu-gateway/internal/kv"
	"github.com/AmanVatsSharma/vayu-gateway/internal/multiplexer"
	"github.com/AmanVatsSharma/vayu-gateway/internal/policy"
	"github.com/AmanVatsSharma/vayu-gateway/internal/store"
)

const (
	statsRequestChannel = "vayu:admin:stats:request"
	streamStatusChannel = "stream:status"
	globalProviderKey   = "vayu:provider:global"
	statsGatherDeadline = 250 * time.Millisecond
)

// Driver is the subset of upstream.WSClient the control plane needs to
// start/stop the ingest FSM without importing the upstream package
// directly (same one-directional-dependency shape as multiplexer.Driver).
type Driver interface {
	Run(ctx context.Context)
	Stop()
	IsConnected() bool
}

// Authorize compares the provided token against the configured admin
// token in constant time, the way credential comparisons should always be
// done (spec §4.9: "gated by a static admin token header").
func Authorize(provided, configured string) bool {
	if provided == "" || configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}

// InstanceStats is one instance's reply to a get_stats scatter-gather.
type InstanceStats struct {
	InstanceID       string `json:"instance_id"`
	Streaming        bool   `json:"streaming"`
	UpstreamConnected bool  `json:"upstream_connected"`
	SubscribedPairs  int    `json:"subscribed_pairs"`
	Timestamp        int64  `json:"timestamp"`
}

// StatsReport is the aggregate get_stats response. Partial is true
// whenever the gateway cannot prove every running instance replied within
// the deadline — which, over a fire-and-forget pub/sub scatter, is always
// (spec §4.9: "best-effort ... with a 250ms deadline").
type StatsReport struct {
	Instances []InstanceStats `json:"instances"`
	Partial   bool            `json:"partial"`
}

type statsRequest struct {
	RequestID string `json:"request_id"`
}

// Engine implements C9's operations against the already-built C1-C6
// components.
type Engine struct {
	instanceID string
	store      *store.Store
	kvStore    kv.KV
	policy     *policy.Engine
	mux        *multiplexer.Multiplexer
	driver     Driver
	logger     zerolog.Logger

	mu        sync.Mutex
	streaming bool
	cancel    context.CancelFunc
}

func New(instanceID string, st *store.Store, k kv.KV, pol *policy.Engine, mux *multiplexer.Multiplexer, driver Driver, logger zerolog.Logger) *Engine {
	e := &Engine{
		instanceID: instanceID, store: st, kvStore: k, policy: pol, mux: mux, driver: driver,
		logger: logger.With().Str("component", "admin").Logger(),
	}
	// Every instance listens for get_stats scatter requests and replies
	// with its own local counters, mirroring the request/reply idiom
	// go-server/pkg/nats/client.go builds atop plain Publish/Subscribe.
	if _, err := k.Subscribe(context.Background(), statsRequestChannel, e.handleStatsRequest); err != nil {
		e.logger.Warn().Err(err).Msg("failed to subscribe to stats scatter channel, get_stats will be local-only")
	}
	return e
}

// SetGlobalProvider mutates the shared provider key and publishes
// stream:status so every instance observes the change (spec §4.9).
func (e *Engine) SetGlobalProvider(ctx context.Context, provider string) error {
	if err := e.kvStore.Set(ctx, globalProviderKey, []byte(provider), 0); err != nil {
		return fmt.Errorf("failed to set global provider: %w", err)
	}
	e.publishStatus(ctx, "provider_changed", map[string]any{"provider": provider})
	e.logger.Info().Str("provider", provider).Msg("global provider updated")
	return nil
}

// GlobalProvider reads the currently configured provider, if any.
func (e *Engine) GlobalProvider(ctx context.Context) (string, bool) {
	v, ok := e.kvStore.Get(ctx, globalProviderKey)
	if !ok {
		return "", false
	}
	return string(v), true
}

// StartStreaming transitions the upstream driver's FSM into Run, rejecting
// when no active upstream session exists (spec §4.9: "rejects if upstream
// session is missing").
func (e *Engine) StartStreaming(ctx context.Context, provider string) error {
	if _, err := e.store.GetActiveSession(provider); err != nil {
		return fmt.Errorf("cannot start streaming: no active upstream session for provider %q: %w", provider, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streaming {
		return fmt.Errorf("streaming already active")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.streaming = true
	go e.driver.Run(runCtx)

	e.publishStatus(ctx, "streaming_started", map[string]any{"provider": provider})
	e.logger.Info().Str("provider", provider).Msg("streaming started")
	return nil
}

// StopStreaming cancels the driver's run context and reports it stopped.
func (e *Engine) StopStreaming(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.streaming {
		return fmt.Errorf("streaming is not active")
	}
	e.cancel()
	e.driver.Stop()
	e.streaming = false

	e.publishStatus(ctx, "streaming_stopped", nil)
	e.logger.Info().Msg("streaming stopped")
	return nil
}

func (e *Engine) IsStreaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streaming
}

func (e *Engine) publishStatus(ctx context.Context, event string, extra map[string]any) {
	payload := map[string]any{"event": event, "instance_id": e.instanceID, "timestamp": time.Now().UnixMilli()}
	for k, v := range extra {
		payload[k] = v
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := e.kvStore.Publish(ctx, streamStatusChannel, b); err != nil {
		e.logger.Warn().Err(err).Msg("failed to publish stream:status")
	}
}

// --- API key CRUD / policy updates ---

// CreateApiKeyRequest mirrors the admin-issued fields of store.ApiKeyRecord
// that are safe for an operator to set directly.
type CreateApiKeyRequest struct {
	KeyString          string
	TenantID           string
	RateLimitPerMinute int
	ConnectionLimit    int
	WSSubscribeRPS     float64
	WSUnsubscribeRPS   float64
	WSModeRPS          float64
	EntitledExchanges  []domain.Exchange
}

func (e *Engine) CreateApiKey(req CreateApiKeyRequest) (*store.ApiKeyRecord, error) {
	rec := &store.ApiKeyRecord{
		KeyString:            req.KeyString,
		TenantID:             req.TenantID,
		IsActive:             true,
		RateLimitPerMinute:   req.RateLimitPerMinute,
		ConnectionLimit:      req.ConnectionLimit,
		WSSubscribeRPS:       req.WSSubscribeRPS,
		WSUnsubscribeRPS:     req.WSUnsubscribeRPS,
		WSModeRPS:            req.WSModeRPS,
		EntitledExchangesCSV: joinExchanges(req.EntitledExchanges),
	}
	if err := e.store.CreateApiKey(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) ListApiKeys(limit, offset int) ([]store.ApiKeyRecord, error) {
	return e.store.ListApiKeys(limit, offset)
}

func (e *Engine) DeactivateApiKey(keyString string) error {
	if err := e.store.DeactivateApiKey(keyString); err != nil {
		return err
	}
	e.policy.InvalidateCache(keyString)
	return nil
}

// UpdatePolicyRequest is the mutable subset of an API key's limits and
// entitlements an admin can change post-issuance (spec §4.9).
type UpdatePolicyRequest struct {
	RateLimitPerMinute int
	ConnectionLimit    int
	WSSubscribeRPS     float64
	WSUnsubscribeRPS   float64
	WSModeRPS          float64
	EntitledExchanges  []domain.Exchange
}

func (e *Engine) UpdateApiKeyPolicy(keyString string, req UpdatePolicyRequest) error {
	if err := e.store.UpdateApiKeyPolicy(keyString, req.RateLimitPerMinute, req.ConnectionLimit,
		req.WSSubscribeRPS, req.WSUnsubscribeRPS, req.WSModeRPS, joinExchanges(req.EntitledExchanges)); err != nil {
		return err
	}
	// The 30s in-process validation cache (spec §4.4) would otherwise
	// serve the stale policy for up to its TTL; invalidate eagerly so an
	// admin change takes effect on the next request.
	e.policy.InvalidateCache(keyString)
	return nil
}

func (e *Engine) SetApiKeyBlocked(keyString string, blocked bool, reason string) error {
	if err := e.store.SetApiKeyBlocked(keyString, blocked, reason); err != nil {
		return err
	}
	e.policy.InvalidateCache(keyString)
	return nil
}

func joinExchanges(exchanges []domain.Exchange) string {
	s := ""
	for i, ex := range exchanges {
		if i > 0 {
			s += ","
		}
		s += string(ex)
	}
	return s
}

// --- get_stats scatter-gather ---

func (e *Engine) handleStatsRequest(_ string, payload []byte) {
	var req statsRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}
	stats := InstanceStats{
		InstanceID:        e.instanceID,
		Streaming:         e.IsStreaming(),
		UpstreamConnected: e.driver != nil && e.driver.IsConnected(),
		SubscribedPairs:   len(e.mux.Snapshot()),
		Timestamp:         time.Now().UnixMilli(),
	}
	b, err := json.Marshal(stats)
	if err != nil {
		return
	}
	_ = e.kvStore.Publish(context.Background(), "vayu:admin:stats:reply:"+req.RequestID, b)
}

// GetStats scatters a request to every subscribed instance (including
// this one) and collects replies for statsGatherDeadline. There is no way
// to know how many instances are currently running over a fire-and-forget
// pub/sub fabric, so Partial is unconditionally true: callers should treat
// the result as a sample, not a census (spec §4.9).
func (e *Engine) GetStats(ctx context.Context) (StatsReport, error) {
	requestID := newRequestID()
	replyChannel := "vayu:admin:stats:reply:" + requestID

	var mu sync.Mutex
	var collected []InstanceStats

	unsubscribe, err := e.kvStore.Subscribe(ctx, replyChannel, func(_ string, payload []byte) {
		var s InstanceStats
		if err := json.Unmarshal(payload, &s); err != nil {
			return
		}
		mu.Lock()
		collected = append(collected, s)
		mu.Unlock()
	})
	if err != nil {
		return StatsReport{}, fmt.Errorf("failed to subscribe to stats reply channel: %w", err)
	}
	defer unsubscribe()

	reqBody, _ := json.Marshal(statsRequest{RequestID: requestID})
	if err := e.kvStore.Publish(ctx, statsRequestChannel, reqBody); err != nil {
		return StatsReport{}, fmt.Errorf("failed to publish stats scatter: %w", err)
	}

	select {
	case <-time.After(statsGatherDeadline):
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	return StatsReport{Instances: append([]InstanceStats(nil), collected...), Partial: true}, nil
}

func newRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
