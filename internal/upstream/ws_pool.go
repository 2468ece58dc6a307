package upstream

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
)

const (
	// MaxUpstreamConnections is the pool-of-3 ceiling spec.md:117 allows
	// per access token.
	MaxUpstreamConnections = 3
	// MaxSubscriptionsPerConnection is the broker-enforced per-connection
	// cap spec.md:117/312 describes ("≤ 1 000 instrument subscriptions per
	// connection").
	MaxSubscriptionsPerConnection = 1000
)

// WSConnPool multiplexes subscriptions across up to MaxUpstreamConnections
// upstream WS connections, sharding (exchange, token) pairs deterministically
// by hash so a given pair always lands on the same connection across
// reconnects (spec.md:117: "sharding... deterministically by hash across
// open connections"; spec.md:343 leaves the exact hash function as an
// implementation choice). Connections are started lazily, the first time a
// pair hashed to their shard is subscribed, rather than all three up front.
type WSConnPool struct {
	wsHost string
	parser *Parser
	onTick func(domain.Tick)
	modes  func() map[domain.Pair]domain.Mode
	logger zerolog.Logger

	mu    sync.Mutex
	ctx   context.Context
	token string
	conns [MaxUpstreamConnections]*WSClient
	count [MaxUpstreamConnections]int
}

// NewWSConnPool builds a pool; modesOf supplies the current pair->mode
// table (multiplexer.Modes) so each shard's reconnect burst only replays
// the pairs that hash to it.
func NewWSConnPool(wsHost string, parser *Parser, onTick func(domain.Tick), modesOf func() map[domain.Pair]domain.Mode, logger zerolog.Logger) *WSConnPool {
	return &WSConnPool{
		wsHost: wsHost, parser: parser, onTick: onTick, modes: modesOf,
		logger: logger.With().Str("component", "upstream.pool").Logger(),
	}
}

func shardIndex(p domain.Pair) int {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s:%d", p.Exchange, p.Token)
	return int(h.Sum32() % MaxUpstreamConnections)
}

// Run records ctx for lazily-started connections and starts the FSM of
// every connection already created at call time, satisfying admin.Driver.
func (p *WSConnPool) Run(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	existing := p.conns
	p.mu.Unlock()
	for _, c := range existing {
		if c != nil {
			go c.Run(ctx)
		}
	}
}

// Stop cancels every shard connection's FSM.
func (p *WSConnPool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		if c != nil {
			c.Stop()
		}
	}
}

// SetAccessToken propagates a refreshed token to every shard, existing or
// future.
func (p *WSConnPool) SetAccessToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = token
	for _, c := range p.conns {
		if c != nil {
			c.SetAccessToken(token)
		}
	}
}

// connFor returns the shard connection for idx, lazily dialing it (and
// starting its FSM if the pool is already running) on first use.
func (p *WSConnPool) connFor(idx int) *WSClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[idx] == nil {
		c := NewWSClient(idx, p.wsHost, p.token, p.parser, p.onTick, p.refcountSourceFor(idx), p.logger)
		p.conns[idx] = c
		if p.ctx != nil {
			go c.Run(p.ctx)
		}
	}
	return p.conns[idx]
}

func (p *WSConnPool) refcountSourceFor(idx int) RefcountSource {
	return func() []RefcountSnapshot {
		if p.modes == nil {
			return nil
		}
		modes := p.modes()
		out := make([]RefcountSnapshot, 0, len(modes))
		for pair, mode := range modes {
			if shardIndex(pair) == idx {
				out = append(out, RefcountSnapshot{Exchange: pair.Exchange, Token: pair.Token, Mode: mode})
			}
		}
		return out
	}
}

// Subscribe implements multiplexer.Driver: route to the pair's shard,
// rejecting once that shard is at its per-connection cap (spec.md:312,
// "the 3 001st pair globally is rejected as limit_exceeded" — with 3
// shards of 1 000 each, the 3 001st pair is the first to find its shard
// already full).
func (p *WSConnPool) Subscribe(exchange domain.Exchange, token int32, mode domain.Mode) error {
	idx := shardIndex(domain.Pair{Exchange: exchange, Token: token})
	p.mu.Lock()
	if p.count[idx] >= MaxSubscriptionsPerConnection {
		p.mu.Unlock()
		return fmt.Errorf("limit_exceeded: upstream connection %d is at its %d-subscription cap", idx, MaxSubscriptionsPerConnection)
	}
	p.count[idx]++
	p.mu.Unlock()
	return p.connFor(idx).Subscribe(exchange, token, mode)
}

// Unsubscribe implements multiplexer.Driver.
func (p *WSConnPool) Unsubscribe(exchange domain.Exchange, token int32) error {
	idx := shardIndex(domain.Pair{Exchange: exchange, Token: token})
	p.mu.Lock()
	if p.count[idx] > 0 {
		p.count[idx]--
	}
	conn := p.conns[idx]
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Unsubscribe(exchange, token)
}

// IsConnected reports whether at least one shard connection is open. A
// pair whose own shard is still down falls through to Subscribe/Unsubscribe
// returning a "no active connection" error, logged and retried on that
// shard's own reconnect burst — the same degraded-delivery semantics a
// single-connection driver already had.
func (p *WSConnPool) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		if c != nil && c.IsConnected() {
			return true
		}
	}
	return false
}
