package multiplexer

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
)

type fakeDriver struct {
	connected     bool
	subscribes    []domain.Pair
	subscribeModes []domain.Mode
	unsubscribes  []domain.Pair
}

func (f *fakeDriver) Subscribe(ex domain.Exchange, token int32, mode domain.Mode) error {
	f.subscribes = append(f.subscribes, domain.Pair{Exchange: ex, Token: token})
	f.subscribeModes = append(f.subscribeModes, mode)
	return nil
}
func (f *fakeDriver) Unsubscribe(ex domain.Exchange, token int32) error {
	f.unsubscribes = append(f.unsubscribes, domain.Pair{Exchange: ex, Token: token})
	return nil
}
func (f *fakeDriver) IsConnected() bool { return f.connected }

func newTestMux(driver Driver) *Multiplexer {
	return New(driver, zerolog.Nop())
}

var pair1 = domain.Pair{Exchange: domain.ExchangeNSEEQ, Token: 100}

func TestApplyBatch_FirstSubscriberTriggersUpstreamSubscribe(t *testing.T) {
	drv := &fakeDriver{connected: true}
	m := newTestMux(drv)

	m.applyBatch([]item{{kind: opSubscribe, session: "s1", pairs: []domain.Pair{pair1}, mode: domain.ModeLTP}})

	require.Len(t, drv.subscribes, 1)
	assert.Equal(t, pair1, drv.subscribes[0])
	assert.Equal(t, domain.ModeLTP, drv.subscribeModes[0])
}

func TestApplyBatch_LastUnsubscriberTriggersUpstreamUnsubscribe(t *testing.T) {
	drv := &fakeDriver{connected: true}
	m := newTestMux(drv)

	m.applyBatch([]item{{kind: opSubscribe, session: "s1", pairs: []domain.Pair{pair1}, mode: domain.ModeLTP}})
	drv.unsubscribes = nil
	m.applyBatch([]item{{kind: opUnsubscribe, session: "s1", pairs: []domain.Pair{pair1}}})

	require.Len(t, drv.unsubscribes, 1)
	assert.Equal(t, pair1, drv.unsubscribes[0])
	assert.Empty(t, m.refcount)
}

func TestApplyBatch_SecondSubscriberDoesNotReSubscribe(t *testing.T) {
	drv := &fakeDriver{connected: true}
	m := newTestMux(drv)

	m.applyBatch([]item{{kind: opSubscribe, session: "s1", pairs: []domain.Pair{pair1}, mode: domain.ModeLTP}})
	drv.subscribes = nil
	m.applyBatch([]item{{kind: opSubscribe, session: "s2", pairs: []domain.Pair{pair1}, mode: domain.ModeLTP}})

	assert.Empty(t, drv.subscribes, "no new upstream subscribe when refcount was already >= 1 at the same mode")
}

func TestApplyBatch_ModeUpgradeEmitsSubscribeAtHigherMode(t *testing.T) {
	drv := &fakeDriver{connected: true}
	m := newTestMux(drv)

	m.applyBatch([]item{{kind: opSubscribe, session: "s1", pairs: []domain.Pair{pair1}, mode: domain.ModeLTP}})
	drv.subscribes = nil
	m.applyBatch([]item{{kind: opSubscribe, session: "s2", pairs: []domain.Pair{pair1}, mode: domain.ModeFull}})

	require.Len(t, drv.subscribes, 1)
	assert.Equal(t, domain.ModeFull, drv.subscribeModes[0])
}

func TestApplyBatch_ModeDowngradeOnHighModeClientLeaving(t *testing.T) {
	drv := &fakeDriver{connected: true}
	m := newTestMux(drv)

	m.applyBatch([]item{
		{kind: opSubscribe, session: "s1", pairs: []domain.Pair{pair1}, mode: domain.ModeLTP},
		{kind: opSubscribe, session: "s2", pairs: []domain.Pair{pair1}, mode: domain.ModeFull},
	})
	drv.subscribes = nil
	drv.unsubscribes = nil

	m.applyBatch([]item{{kind: opUnsubscribe, session: "s2", pairs: []domain.Pair{pair1}}})

	require.Len(t, drv.unsubscribes, 1, "downgrade emits an unsubscribe")
	require.Len(t, drv.subscribes, 1, "followed by a resubscribe at the lower mode")
	assert.Equal(t, domain.ModeLTP, drv.subscribeModes[0])
}

func TestApplyBatch_ReleaseRemovesAllSessionContributions(t *testing.T) {
	drv := &fakeDriver{connected: true}
	m := newTestMux(drv)

	pair2 := domain.Pair{Exchange: domain.ExchangeNSEEQ, Token: 200}
	m.applyBatch([]item{{kind: opSubscribe, session: "s1", pairs: []domain.Pair{pair1, pair2}, mode: domain.ModeLTP}})
	drv.unsubscribes = nil

	m.applyBatch([]item{{kind: opRelease, session: "s1"}})

	assert.Len(t, drv.unsubscribes, 2)
	assert.Empty(t, m.refcount)
}

func TestApplyBatch_DisconnectedDriverStillMutatesRefcount(t *testing.T) {
	drv := &fakeDriver{connected: false}
	m := newTestMux(drv)

	m.applyBatch([]item{{kind: opSubscribe, session: "s1", pairs: []domain.Pair{pair1}, mode: domain.ModeLTP}})

	assert.Empty(t, drv.subscribes, "no wire emission while disconnected")
	assert.Contains(t, m.refcount, pair1, "refcount still updated so reconnect resubscribes correctly")
}
