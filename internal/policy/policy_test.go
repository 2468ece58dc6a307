package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
	"github.com/AmanVatsSharma/vayu-gateway/internal/kv"
)

func TestChargeHTTP_AllowsUnderLimitAndRejectsOver(t *testing.T) {
	e := &Engine{kv: kv.NewMemory(), logger: zerolog.Nop()}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := e.ChargeHTTP(ctx, "key-a", 3)
		assert.True(t, res.Allowed)
	}
	res := e.ChargeHTTP(ctx, "key-a", 3)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfterMs, int64(0))
}

func TestChargeHTTP_ZeroLimitDisablesCharging(t *testing.T) {
	e := &Engine{kv: kv.NewMemory(), logger: zerolog.Nop()}
	res := e.ChargeHTTP(context.Background(), "key-b", 0)
	assert.True(t, res.Allowed)
}

func TestTrackWSConnect_RejectsAtLimitAndRollsBack(t *testing.T) {
	e := &Engine{kv: kv.NewMemory(), logger: zerolog.Nop()}
	ctx := context.Background()

	require.True(t, e.TrackWSConnect(ctx, "key-c", 2))
	require.True(t, e.TrackWSConnect(ctx, "key-c", 2))
	assert.False(t, e.TrackWSConnect(ctx, "key-c", 2))

	e.UntrackWSConnect(ctx, "key-c")
	assert.True(t, e.TrackWSConnect(ctx, "key-c", 2))
}

func TestUntrackWSConnect_ClampsAtZero(t *testing.T) {
	e := &Engine{kv: kv.NewMemory(), logger: zerolog.Nop()}
	ctx := context.Background()

	e.UntrackWSConnect(ctx, "key-d")
	e.UntrackWSConnect(ctx, "key-d")
	assert.True(t, e.TrackWSConnect(ctx, "key-d", 1))
}

func TestCheckEntitlement_EmptyListMeansUnrestricted(t *testing.T) {
	e := &Engine{}
	key := ApiKey{Exchanges: map[domain.Exchange]bool{}}
	assert.True(t, e.CheckEntitlement(key, domain.ExchangeNSEFO))
}

func TestCheckEntitlement_RestrictsToListedExchanges(t *testing.T) {
	e := &Engine{}
	key := ApiKey{Exchanges: map[domain.Exchange]bool{domain.ExchangeNSEEQ: true}}
	assert.True(t, e.CheckEntitlement(key, domain.ExchangeNSEEQ))
	assert.False(t, e.CheckEntitlement(key, domain.ExchangeMCXFO))
}
