// Package batcher implements C7, the snapshot batcher: it coalesces
// parallel REST requests for quote/ltp/ohlc into windowed, chunked
// upstream calls (spec §4.7).
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
)

// DefaultWindow is the coalescing window (spec §4.7: "default 100ms").
const DefaultWindow = 100 * time.Millisecond

// Resolver resolves bare tokens to exchanges via C3; tokens already given
// as Pairs bypass this.
type Resolver interface {
	ResolveExchange(tokens []int32) map[int32]domain.Exchange
}

// Fetcher performs one chunked upstream call for a scope (spec §4.5.4's
// get_quote/get_ltp/get_ohlc), returning a last-price-or-nil result map.
type Fetcher func(ctx context.Context, pairs []domain.Pair) (map[domain.Pair]*float64, error)

// Scope distinguishes pending-request buckets by (mode, scope) — here mode
// is "quote" | "ltp" | "ohlc" and scope is reserved for future
// tenant/segment partitioning (spec §4.7).
type Scope string

// request is one caller's pending ask, resolved via a future (channel).
type request struct {
	tokens []int32
	result chan map[domain.Pair]*float64
}

// window is one coalescing window's pending state.
type window struct {
	mu       sync.Mutex
	requests []*request
	timer    *time.Timer
	fired    bool
}

// Batcher coalesces requests per scope into one upstream call per window.
type Batcher struct {
	resolver   Resolver
	fetcher    Fetcher
	chunkSize  int
	windowSize time.Duration
	logger     zerolog.Logger

	mu      sync.Mutex
	windows map[Scope]*window
}

func New(resolver Resolver, fetcher Fetcher, chunkSize int, windowSize time.Duration, logger zerolog.Logger) *Batcher {
	if windowSize <= 0 {
		windowSize = DefaultWindow
	}
	return &Batcher{
		resolver: resolver, fetcher: fetcher, chunkSize: chunkSize, windowSize: windowSize,
		logger:  logger.With().Str("component", "batcher").Logger(),
		windows: make(map[Scope]*window),
	}
}

// Request appends tokens to the pending set for scope and blocks until
// the window fires, returning the intersection of this caller's tokens
// with the combined result (spec §4.7). Cancelling ctx only stops this
// caller from waiting: its tokens stay in the window's pending set and are
// still fetched, and the in-flight upstream call is not cancelled.
func (b *Batcher) Request(ctx context.Context, scope Scope, tokens []int32, exchangeOf func(int32) (domain.Exchange, bool)) (map[domain.Pair]*float64, error) {
	req := &request{tokens: tokens, result: make(chan map[domain.Pair]*float64, 1)}
	b.enqueue(scope, req, exchangeOf)

	select {
	case full := <-req.result:
		out := make(map[domain.Pair]*float64, len(tokens))
		for pair, price := range full {
			for _, tok := range tokens {
				if pair.Token == tok {
					out[pair] = price
				}
			}
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Batcher) enqueue(scope Scope, req *request, exchangeOf func(int32) (domain.Exchange, bool)) {
	b.mu.Lock()
	w, ok := b.windows[scope]
	if !ok {
		w = &window{}
		b.windows[scope] = w
	}
	b.mu.Unlock()

	w.mu.Lock()
	w.requests = append(w.requests, req)
	if w.timer == nil {
		w.timer = time.AfterFunc(b.windowSize, func() { b.fire(scope, w, exchangeOf) })
	}
	w.mu.Unlock()
}

// fire resolves exchanges, de-duplicates, chunks, dispatches in parallel,
// and delivers the combined result to every waiting request (spec §4.7).
func (b *Batcher) fire(scope Scope, w *window, exchangeOf func(int32) (domain.Exchange, bool)) {
	w.mu.Lock()
	reqs := w.requests
	w.requests = nil
	w.fired = true
	w.mu.Unlock()

	b.mu.Lock()
	delete(b.windows, scope)
	b.mu.Unlock()

	dedup := make(map[domain.Pair]struct{})
	for _, r := range reqs {
		for _, tok := range r.tokens {
			if ex, ok := exchangeOf(tok); ok {
				dedup[domain.Pair{Exchange: ex, Token: tok}] = struct{}{}
			}
		}
	}
	pairs := make([]domain.Pair, 0, len(dedup))
	for p := range dedup {
		pairs = append(pairs, p)
	}

	chunks := chunk(pairs, b.chunkSize)
	combined := make(map[domain.Pair]*float64, len(pairs))
	var combinedMu sync.Mutex
	var wg sync.WaitGroup

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, c := range chunks {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := b.fetcher(ctx, c)
			if err != nil {
				b.logger.Warn().Err(err).Int("chunk_size", len(c)).Msg("batcher chunk fetch failed")
				return
			}
			combinedMu.Lock()
			for p, v := range res {
				combined[p] = v
			}
			combinedMu.Unlock()
		}()
	}
	wg.Wait()

	for _, r := range reqs {
		r.result <- combined
	}
}

func chunk(pairs []domain.Pair, size int) [][]domain.Pair {
	if size <= 0 {
		size = len(pairs)
		if size == 0 {
			return nil
		}
	}
	var chunks [][]domain.Pair
	for i := 0; i < len(pairs); i += size {
		end := i + size
		if end > len(pairs) {
			end = len(pairs)
		}
		chunks = append(chunks, pairs[i:end])
	}
	return chunks
}
