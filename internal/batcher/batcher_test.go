package batcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
)

func exchangeOfNSEEQ(int32) (domain.Exchange, bool) { return domain.ExchangeNSEEQ, true }

func TestBatcher_CoalescesConcurrentCallersIntoOneUpstreamCall(t *testing.T) {
	var calls int32
	fetcher := func(_ context.Context, pairs []domain.Pair) (map[domain.Pair]*float64, error) {
		atomic.AddInt32(&calls, 1)
		out := make(map[domain.Pair]*float64)
		for _, p := range pairs {
			price := float64(p.Token)
			out[p] = &price
		}
		return out, nil
	}

	b := New(nil, fetcher, 500, 20*time.Millisecond, zerolog.Nop())

	var wg sync.WaitGroup
	results := make([]map[domain.Pair]*float64, 3)
	for i, tok := range []int32{100, 200, 300} {
		i, tok := i, tok
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := b.Request(context.Background(), "ltp", []int32{tok}, exchangeOfNSEEQ)
			require.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "three concurrent callers in one window should yield exactly one upstream call")
	for i, tok := range []int32{100, 200, 300} {
		pair := domain.Pair{Exchange: domain.ExchangeNSEEQ, Token: tok}
		require.Contains(t, results[i], pair)
		assert.Equal(t, float64(tok), *results[i][pair])
	}
}

func TestBatcher_DeliversOnlyIntersectingTokensPerCaller(t *testing.T) {
	fetcher := func(_ context.Context, pairs []domain.Pair) (map[domain.Pair]*float64, error) {
		out := make(map[domain.Pair]*float64)
		for _, p := range pairs {
			price := float64(p.Token)
			out[p] = &price
		}
		return out, nil
	}
	b := New(nil, fetcher, 500, 20*time.Millisecond, zerolog.Nop())

	var wg sync.WaitGroup
	var resA, resB map[domain.Pair]*float64
	wg.Add(2)
	go func() {
		defer wg.Done()
		resA, _ = b.Request(context.Background(), "ltp", []int32{1}, exchangeOfNSEEQ)
	}()
	go func() {
		defer wg.Done()
		resB, _ = b.Request(context.Background(), "ltp", []int32{2}, exchangeOfNSEEQ)
	}()
	wg.Wait()

	assert.Len(t, resA, 1)
	assert.Len(t, resB, 1)
	assert.Contains(t, resA, domain.Pair{Exchange: domain.ExchangeNSEEQ, Token: 1})
	assert.Contains(t, resB, domain.Pair{Exchange: domain.ExchangeNSEEQ, Token: 2})
}
