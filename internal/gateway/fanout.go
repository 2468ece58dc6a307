package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
	"github.com/AmanVatsSharma/vayu-gateway/internal/kv"
)

// marketDataEvent is the envelope sent for every tick (spec §4.8.5):
// "market_data {instrumentToken, data, timestamp}".
type marketDataEvent struct {
	Event string `json:"event"`
	Data  struct {
		InstrumentToken int32       `json:"instrumentToken"`
		Data            domain.Tick `json:"data"`
		Timestamp       int64       `json:"timestamp"`
	} `json:"data"`
}

// FanOut is the single tick-dispatcher task per process (spec §5): it
// reads C5's ticks channel and never blocks on client I/O — broadcasting
// is a non-blocking per-connection send with backpressure, grounded on
// ws/internal/shared/broadcast.go's Broadcast (SPEC_FULL.md §4.8
// expansion).
type FanOut struct {
	index           *SubscriptionIndex
	kv              kv.KV
	logger          zerolog.Logger
	outboundHighWater int64
	slowClientGrace time.Duration

	dropCount int64
}

func NewFanOut(index *SubscriptionIndex, kvStore kv.KV, outboundHighWater int64, slowClientGrace time.Duration, logger zerolog.Logger) *FanOut {
	if outboundHighWater <= 0 {
		outboundHighWater = defaultOutboundBufferHighWater
	}
	if slowClientGrace <= 0 {
		slowClientGrace = defaultSlowClientGrace
	}
	return &FanOut{
		index: index, kv: kvStore, logger: logger.With().Str("component", "fanout").Logger(),
		outboundHighWater: outboundHighWater, slowClientGrace: slowClientGrace,
	}
}

// Run drains ticks until stop is closed. Per-instrument order is
// preserved because each tick is broadcast synchronously before the next
// is read off the channel (spec §4.8.5, "per-instrument ticks are
// delivered in the order they were parsed").
func (f *FanOut) Run(ticks <-chan domain.Tick, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			f.dispatch(tick)
		}
	}
}

func (f *FanOut) dispatch(tick domain.Tick) {
	pair := tick.Pair()
	room := roomName(pair)
	members := f.index.Get(room)
	if len(members) == 0 {
		return
	}

	payload, err := encodeMarketData(tick)
	if err != nil {
		f.logger.Warn().Err(err).Str("pair", pair.String()).Msg("failed to encode tick for fan-out")
		return
	}

	// Best-effort cache write for REST snapshot fallback (spec §4.5.3).
	_ = f.kv.Set(context.Background(), "lasttick:"+itoa32(tick.Token), payload, 60*time.Second)

	for _, session := range members {
		if !session.TryEnqueue(payload, f.outboundHighWater, f.slowClientGrace) {
			f.dropCount++
			if f.dropCount%100 == 0 {
				f.logger.Warn().Int64("drops", f.dropCount).Msg("dropping ticks for slow clients")
			}
		}
	}
}

func encodeMarketData(tick domain.Tick) ([]byte, error) {
	var ev marketDataEvent
	ev.Event = "market_data"
	ev.Data.InstrumentToken = tick.Token
	ev.Data.Data = tick
	ev.Data.Timestamp = time.Now().UnixMilli()
	return json.Marshal(ev)
}
