package kv

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig mirrors the connection tuning the teacher's pkg/nats/client.go
// exposes (reconnect backoff, ping interval) plus the bucket name for the
// JetStream KeyValue store backing Get/Set/Incr/Expire.
type NATSConfig struct {
	URL             string
	ConnectTimeout  time.Duration
	MaxReconnects   int
	ReconnectWait   time.Duration
	Bucket          string
}

// NATS is the cross-instance KV implementation: JetStream KeyValue for
// string/counter state, core NATS pub/sub for channel broadcast. When the
// connection is down, every method falls through to an in-process Memory
// instance so callers never observe an error — this is the degradation
// mode spec.md §4.1 mandates, implemented the way the teacher's NATS
// client tracks connectedness via handlers instead of checking errors
// ad hoc on every call.
type NATS struct {
	conn      *nats.Conn
	kv        nats.KeyValue
	local     *Memory
	logger    zerolog.Logger
	connected atomic.Bool
}

// NewNATS connects (best-effort, bounded by cfg.ConnectTimeout) to NATS and
// binds or creates the configured KeyValue bucket. A connection failure is
// not fatal: the returned *NATS degrades to its local Memory fallback and
// IsAvailable() reports false, exactly as §4.1 specifies ("if the KV is
// unreachable at startup... every operation returns the documented safe
// default").
func NewNATS(cfg NATSConfig, logger zerolog.Logger) *NATS {
	n := &NATS{
		local:  NewMemory(),
		logger: logger.With().Str("component", "kv_nats").Logger(),
	}

	opts := []nats.Option{
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ConnectHandler(func(c *nats.Conn) {
			n.connected.Store(true)
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to NATS")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			n.connected.Store(false)
			n.logger.Warn().Err(err).Msg("disconnected from NATS, degrading to local-only state")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.connected.Store(true)
			n.logger.Info().Msg("reconnected to NATS")
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			n.logger.Warn().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		n.logger.Warn().Err(err).Msg("NATS unavailable at startup, running in degraded (local-only) mode")
		return n
	}
	n.conn = conn
	n.connected.Store(true)

	js, err := conn.JetStream()
	if err != nil {
		n.logger.Warn().Err(err).Msg("JetStream context unavailable, counters/sessions will be local-only")
		return n
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "vayu_gateway"
	}
	store, err := js.KeyValue(bucket)
	if err != nil {
		store, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		n.logger.Warn().Err(err).Msg("KeyValue bucket unavailable, counters/sessions will be local-only")
		return n
	}
	n.kv = store

	return n
}

func (n *NATS) IsAvailable() bool {
	return n.conn != nil && n.conn.IsConnected() && n.kv != nil
}

func (n *NATS) Get(ctx context.Context, key string) ([]byte, bool) {
	if !n.IsAvailable() {
		return n.local.Get(ctx, key)
	}
	entry, err := n.kv.Get(key)
	if err != nil {
		return n.local.Get(ctx, key)
	}
	return entry.Value(), true
}

func (n *NATS) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	// Local copy is always kept warm so a mid-flight disconnect doesn't
	// lose the most recent value (hints only, per §9 "Shared state").
	_ = n.local.Set(ctx, key, value, ttl)
	if !n.IsAvailable() {
		return nil
	}
	if _, err := n.kv.Put(key, value); err != nil {
		n.logger.Warn().Err(err).Str("key", key).Msg("KV set failed, continuing in degraded mode")
		return nil
	}
	return nil
}

func (n *NATS) Incr(ctx context.Context, key string) (int64, error) {
	if !n.IsAvailable() {
		return n.local.Incr(ctx, key)
	}
	v, err := n.kv.Get(key)
	var current int64
	var revision uint64
	if err == nil {
		current = parseInt(v.Value())
		revision = v.Revision()
	}
	next := current + 1
	if err == nil {
		if _, uerr := n.kv.Update(key, formatInt(next), revision); uerr != nil {
			// Lost a CAS race or bucket hiccup: fall through to local counter
			// rather than returning an error past this package's boundary.
			return n.local.Incr(ctx, key)
		}
	} else {
		if _, cerr := n.kv.Create(key, formatInt(next)); cerr != nil {
			return n.local.Incr(ctx, key)
		}
	}
	return next, nil
}

func (n *NATS) Expire(ctx context.Context, key string, ttl time.Duration) error {
	// JetStream KV's per-key TTL requires bucket-level config; this gateway
	// relies on the bucket's default TTL plus an explicit local mirror so
	// Expire is always honored locally even when the server-side value
	// outlives it slightly — acceptable since RateCounter/session TTLs are
	// advisory cleanup, not correctness-critical (§3 RateCounter).
	return n.local.Expire(ctx, key, ttl)
}

func (n *NATS) Delete(ctx context.Context, key string) error {
	_ = n.local.Delete(ctx, key)
	if n.IsAvailable() {
		_ = n.kv.Delete(key)
	}
	return nil
}

func (n *NATS) HSet(ctx context.Context, key, field string, value []byte) error {
	return n.Set(ctx, fmt.Sprintf("%s:%s", key, field), value, 0)
}

func (n *NATS) HGet(ctx context.Context, key, field string) ([]byte, bool) {
	return n.Get(ctx, fmt.Sprintf("%s:%s", key, field))
}

func (n *NATS) Publish(ctx context.Context, channel string, payload []byte) error {
	if !n.IsAvailable() {
		return n.local.Publish(ctx, channel, payload)
	}
	if err := n.conn.Publish(channel, payload); err != nil {
		n.logger.Warn().Err(err).Str("channel", channel).Msg("publish failed, delivering local-only")
		return n.local.Publish(ctx, channel, payload)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	localUnsub, _ := n.local.Subscribe(ctx, channel, handler)

	if !n.IsAvailable() {
		return localUnsub, nil
	}

	sub, err := n.conn.Subscribe(channel, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		n.logger.Warn().Err(err).Str("channel", channel).Msg("subscribe failed, local-only delivery active")
		return localUnsub, nil
	}

	return func() {
		localUnsub()
		_ = sub.Unsubscribe()
	}, nil
}

func (n *NATS) Close() error {
	if n.conn != nil {
		n.conn.Close()
	}
	return nil
}
