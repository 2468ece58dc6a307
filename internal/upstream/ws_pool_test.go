package upstream

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
)

func TestShardIndex_IsStableAcrossCalls(t *testing.T) {
	p := domain.Pair{Exchange: domain.ExchangeNSEEQ, Token: 738561}
	assert.Equal(t, shardIndex(p), shardIndex(p))
}

func TestShardIndex_WithinBounds(t *testing.T) {
	for tok := int32(0); tok < 500; tok++ {
		idx := shardIndex(domain.Pair{Exchange: domain.ExchangeNSEFO, Token: tok})
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, MaxUpstreamConnections)
	}
}

func TestWSConnPool_RejectsOnceShardIsAtCapacity(t *testing.T) {
	pool := NewWSConnPool("wss://example.test", nil, nil, nil, zerolog.Nop())

	pair := domain.Pair{Exchange: domain.ExchangeNSEEQ, Token: 1}
	idx := shardIndex(pair)
	pool.count[idx] = MaxSubscriptionsPerConnection

	err := pool.Subscribe(pair.Exchange, pair.Token, domain.ModeLTP)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit_exceeded")
}

func TestWSConnPool_UnsubscribeIsNoOpBeforeAnyConnection(t *testing.T) {
	pool := NewWSConnPool("wss://example.test", nil, nil, nil, zerolog.Nop())
	err := pool.Unsubscribe(domain.ExchangeNSEEQ, 42)
	assert.NoError(t, err)
}

func TestWSConnPool_IsConnectedFalseBeforeAnyDial(t *testing.T) {
	pool := NewWSConnPool("wss://example.test", nil, nil, nil, zerolog.Nop())
	assert.False(t, pool.IsConnected())
}
