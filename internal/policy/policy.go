// Package policy implements C4, the per-API-key policy engine: validation,
// HTTP/WS rate limiting, connection caps, exchange entitlements, and abuse
// blocking. Every check here must be cheap and lock-light enough to run on
// both the HTTP and WS hot paths (spec §4.4) — counters live in C1 and use
// its atomic increment, never a coarse in-process mutex.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
	"github.com/AmanVatsSharma/vayu-gateway/internal/kv"
	"github.com/AmanVatsSharma/vayu-gateway/internal/store"
)

// ApiKey is the in-memory, policy-facing view of store.ApiKeyRecord (spec
// §3's ApiKey entity).
type ApiKey struct {
	ID                 uint
	KeyString          string
	TenantID           string
	IsActive           bool
	RateLimitPerMinute int
	ConnectionLimit    int
	WSSubscribeRPS     float64
	WSUnsubscribeRPS   float64
	WSModeRPS          float64
	Exchanges          map[domain.Exchange]bool
}

func fromRecord(rec *store.ApiKeyRecord) ApiKey {
	exchanges := make(map[domain.Exchange]bool)
	for _, e := range strings.Split(rec.EntitledExchangesCSV, ",") {
		e = strings.TrimSpace(e)
		if e != "" {
			exchanges[domain.Exchange(e)] = true
		}
	}
	return ApiKey{
		ID: rec.ID, KeyString: rec.KeyString, TenantID: rec.TenantID,
		IsActive: rec.IsActive && !rec.Blocked,
		RateLimitPerMinute: rec.RateLimitPerMinute, ConnectionLimit: rec.ConnectionLimit,
		WSSubscribeRPS: rec.WSSubscribeRPS, WSUnsubscribeRPS: rec.WSUnsubscribeRPS,
		WSModeRPS: rec.WSModeRPS, Exchanges: exchanges,
	}
}

// cacheEntry is one validate() result, positive or negative, cached for up
// to cacheTTL per spec §4.4 ("cached in-process for <= 30s with negative
// caching").
type cacheEntry struct {
	key     ApiKey
	found   bool
	expires time.Time
}

const cacheTTL = 30 * time.Second

// AbuseStatus is the result of abuse_status (spec §4.4).
type AbuseStatus struct {
	Blocked   bool
	RiskScore int
	Reasons   []string
}

// Engine implements C4's public operations.
type Engine struct {
	store  *store.Store
	kv     kv.KV
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func New(st *store.Store, k kv.KV, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  st,
		kv:     k,
		logger: logger.With().Str("component", "policy").Logger(),
		cache:  make(map[string]cacheEntry),
	}
}

// Validate implements validate(key_string) -> ApiKey | invalid, consulting
// an in-process cache with negative caching before hitting the store.
func (e *Engine) Validate(keyString string) (ApiKey, bool) {
	e.mu.RLock()
	if ce, ok := e.cache[keyString]; ok && time.Now().Before(ce.expires) {
		e.mu.RUnlock()
		return ce.key, ce.found
	}
	e.mu.RUnlock()

	rec, err := e.store.GetApiKeyByString(keyString)
	found := err == nil && rec != nil
	var key ApiKey
	if found {
		key = fromRecord(rec)
		found = key.IsActive
	}

	e.mu.Lock()
	e.cache[keyString] = cacheEntry{key: key, found: found, expires: time.Now().Add(cacheTTL)}
	e.mu.Unlock()
	return key, found
}

// InvalidateCache drops a cached entry, used when an admin blocks/unblocks
// a key so the change takes effect before cacheTTL elapses.
func (e *Engine) InvalidateCache(keyString string) {
	e.mu.Lock()
	delete(e.cache, keyString)
	e.mu.Unlock()
}

// ChargeResult is the verdict of a rate-limit check.
type ChargeResult struct {
	Allowed      bool
	RetryAfterMs int64
}

// ChargeHTTP implements charge_http: atomic increment at (key, current utc
// minute), rejecting at >= limit (spec §4.4).
func (e *Engine) ChargeHTTP(ctx context.Context, keyString string, limitPerMinute int) ChargeResult {
	if limitPerMinute <= 0 {
		return ChargeResult{Allowed: true}
	}
	now := time.Now().UTC()
	bucket := now.Format("200601021504")
	counterKey := fmt.Sprintf("ratelimit:%s:%s", keyString, bucket)

	n, err := e.kv.Incr(ctx, counterKey)
	if err != nil {
		// Degrade open: a KV outage must not itself become a denial of
		// service (spec §4.1's contract flows through to every consumer).
		return ChargeResult{Allowed: true}
	}
	if n == 1 {
		_ = e.kv.Expire(ctx, counterKey, 90*time.Second)
	}
	if n > int64(limitPerMinute) {
		nextMinute := now.Truncate(time.Minute).Add(time.Minute)
		return ChargeResult{Allowed: false, RetryAfterMs: nextMinute.Sub(now).Milliseconds()}
	}
	return ChargeResult{Allowed: true}
}

// ChargeWSEvent implements charge_ws_event: a 1s window per (session-or-key,
// event) pair (spec §4.4).
func (e *Engine) ChargeWSEvent(ctx context.Context, sessionOrKey, eventName string, limitPerSecond float64) ChargeResult {
	if limitPerSecond <= 0 {
		return ChargeResult{Allowed: true}
	}
	now := time.Now().UTC()
	bucket := now.Format("20060102150405")
	counterKey := fmt.Sprintf("ws:event:%s:%s:%s", sessionOrKey, eventName, bucket)

	n, err := e.kv.Incr(ctx, counterKey)
	if err != nil {
		return ChargeResult{Allowed: true}
	}
	if n == 1 {
		_ = e.kv.Expire(ctx, counterKey, 2*time.Second)
	}
	if float64(n) > limitPerSecond {
		return ChargeResult{Allowed: false, RetryAfterMs: 1000}
	}
	return ChargeResult{Allowed: true}
}

// TrackWSConnect implements track_ws_connect: atomic incr of ws:conn:<key>,
// rejecting and rolling back the increment if the pre-increment value
// already met the limit (spec §4.4).
func (e *Engine) TrackWSConnect(ctx context.Context, keyString string, connectionLimit int) bool {
	counterKey := fmt.Sprintf("ws:conn:%s", keyString)
	n, err := e.kv.Incr(ctx, counterKey)
	if err != nil {
		return true // degrade open
	}
	if connectionLimit > 0 && n > int64(connectionLimit) {
		e.decrementFloor(ctx, counterKey)
		return false
	}
	return true
}

// UntrackWSConnect implements untrack_ws_connect: idempotent decrement,
// clamped at 0 so a double-disconnect can never go negative.
func (e *Engine) UntrackWSConnect(ctx context.Context, keyString string) {
	e.decrementFloor(ctx, fmt.Sprintf("ws:conn:%s", keyString))
}

// decrementFloor decrements a KV counter without letting it go below zero.
// The KV interface only exposes Incr, so the floor is enforced by reading,
// computing, and writing back — acceptable here since ws:conn:<key> is a
// low-cardinality, low-contention counter compared to the rate-limit path.
func (e *Engine) decrementFloor(ctx context.Context, key string) {
	v, ok := e.kv.Get(ctx, key)
	if !ok {
		return
	}
	n := parseCounter(v)
	if n <= 0 {
		return
	}
	_ = e.kv.Set(ctx, key, formatCounter(n-1), 0)
}

// CheckEntitlement implements check_entitlement(key, exchange).
func (e *Engine) CheckEntitlement(key ApiKey, exchange domain.Exchange) bool {
	if len(key.Exchanges) == 0 {
		return true // no entitlement list configured means unrestricted
	}
	return key.Exchanges[exchange]
}

// AbuseStatus implements abuse_status(key), consulted at handshake and on
// each REST request (spec §4.4). Blocking is admin- or risk-engine-driven;
// this reads the durable record rather than maintaining a parallel store.
func (e *Engine) AbuseStatus(keyString string) AbuseStatus {
	rec, err := e.store.GetApiKeyByString(keyString)
	if err != nil || rec == nil {
		return AbuseStatus{Blocked: true, Reasons: []string{"key_not_found"}}
	}
	if rec.Blocked {
		reasons := []string{rec.BlockReason}
		if rec.BlockReason == "" {
			reasons = []string{"blocked_by_admin"}
		}
		return AbuseStatus{Blocked: true, RiskScore: 100, Reasons: reasons}
	}
	return AbuseStatus{Blocked: false}
}

func parseCounter(b []byte) int64 {
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

func formatCounter(n int64) []byte {
	if n <= 0 {
		return []byte("0")
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return buf[i:]
}
