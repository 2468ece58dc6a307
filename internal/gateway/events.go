package gateway

import (
	"context"
	"time"

	"github.com/AmanVatsSharma/vayu-gateway/internal/batcher"
	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
	"github.com/AmanVatsSharma/vayu-gateway/internal/kv"
	"github.com/AmanVatsSharma/vayu-gateway/internal/multiplexer"
	"github.com/AmanVatsSharma/vayu-gateway/internal/policy"
	"github.com/AmanVatsSharma/vayu-gateway/internal/registry"
	"github.com/AmanVatsSharma/vayu-gateway/internal/upstream"
)

// SubscribeRequest is the client-supplied payload: instruments are either
// bare tokens or "EXCHANGE-TOKEN" strings (spec §4.8.4).
type SubscribeRequest struct {
	Instruments []any  `json:"instruments"`
	Mode        string `json:"mode,omitempty"`
}

// SubscriptionConfirmed is the server->client response for subscribe
// (spec §4.8.4 step 7).
type SubscriptionConfirmed struct {
	Requested  int                 `json:"requested"`
	Included   []domain.Pair       `json:"included"`
	Unresolved []int32             `json:"unresolved,omitempty"`
	Forbidden  []domain.Pair       `json:"forbidden,omitempty"`
	Pairs      []domain.Pair       `json:"pairs"`
	Mode       string              `json:"mode"`
	Snapshot   map[string][]byte   `json:"snapshot,omitempty"`
	Timestamp  int64               `json:"timestamp"`
}

// EventError is the closed-set error envelope of spec §6.
type EventError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler wires together the components C8 depends on per spec §4.8.4:
// C4 (policy), C6 (multiplexer), C3 (registry), C1 (kv, for snapshot
// reads).
type Handler struct {
	policy      *policy.Engine
	mux         *multiplexer.Multiplexer
	registry    *registry.Registry
	kv          kv.KV
	index       *SubscriptionIndex
	streaming   func() bool
	batQuote    *batcher.Batcher
	snap        *upstream.SnapshotClient
}

func NewHandler(pol *policy.Engine, mux *multiplexer.Multiplexer, reg *registry.Registry, kvStore kv.KV, index *SubscriptionIndex, streaming func() bool, batQuote *batcher.Batcher, snap *upstream.SnapshotClient) *Handler {
	return &Handler{policy: pol, mux: mux, registry: reg, kv: kvStore, index: index, streaming: streaming, batQuote: batQuote, snap: snap}
}

// HandleSubscribe implements spec §4.8.4 steps 1-7 for a single session.
// Rate limiting (step 1) is left to the caller, since it needs the
// transport's session/event-name framing to charge C4 correctly.
func (h *Handler) HandleSubscribe(session *ClientSession, req SubscribeRequest) (SubscriptionConfirmed, *EventError) {
	if !h.streaming() {
		return SubscriptionConfirmed{}, &EventError{Code: "stream_inactive", Message: "upstream stream is not active"}
	}

	mode, ok := domain.ParseMode(req.Mode)
	if req.Mode != "" && !ok {
		return SubscriptionConfirmed{}, &EventError{Code: "invalid_mode", Message: "unrecognized mode: " + req.Mode}
	}

	explicitPairs, bareTokens := splitInstruments(req.Instruments)

	resolved := h.registry.ResolveExchange(bareTokens)
	var unresolved []int32
	for _, tok := range bareTokens {
		if ex, ok := resolved[tok]; ok {
			explicitPairs = append(explicitPairs, domain.Pair{Exchange: ex, Token: tok})
		} else {
			unresolved = append(unresolved, tok)
		}
	}

	key, _ := h.policy.Validate(session.ApiKey)
	var included, forbidden []domain.Pair
	for _, p := range explicitPairs {
		if h.policy.CheckEntitlement(key, p.Exchange) {
			included = append(included, p)
		} else {
			forbidden = append(forbidden, p)
		}
	}

	h.mux.Subscribe(session.ID, included, mode)
	snapshot := make(map[string][]byte)
	for _, p := range included {
		room := roomName(p)
		session.JoinRoom(room)
		h.index.Add(room, session)
		if v, ok := h.kv.Get(context.Background(), "lasttick:"+itoa32(p.Token)); ok {
			snapshot[p.String()] = v
		}
	}

	return SubscriptionConfirmed{
		Requested:  len(req.Instruments),
		Included:   included,
		Unresolved: unresolved,
		Forbidden:  forbidden,
		Pairs:      included,
		Mode:       mode.String(),
		Snapshot:   snapshot,
		Timestamp:  time.Now().UnixMilli(),
	}, nil
}

// UnsubscribeConfirmed mirrors SubscriptionConfirmed for the symmetric
// unsubscribe operation (spec §4.8.4, "unsubscribe is symmetric").
type UnsubscribeConfirmed struct {
	Pairs     []domain.Pair `json:"pairs"`
	Timestamp int64         `json:"timestamp"`
}

func (h *Handler) HandleUnsubscribe(session *ClientSession, req SubscribeRequest) UnsubscribeConfirmed {
	explicitPairs, bareTokens := splitInstruments(req.Instruments)
	resolved := h.registry.ResolveExchange(bareTokens)
	for _, tok := range bareTokens {
		if ex, ok := resolved[tok]; ok {
			explicitPairs = append(explicitPairs, domain.Pair{Exchange: ex, Token: tok})
		}
	}

	h.mux.Unsubscribe(session.ID, explicitPairs)
	for _, p := range explicitPairs {
		room := roomName(p)
		session.LeaveRoom(room)
		h.index.Remove(room, session.ID)
	}
	return UnsubscribeConfirmed{Pairs: explicitPairs, Timestamp: time.Now().UnixMilli()}
}

// SetModeConfirmed is the server->client response for set_mode.
type SetModeConfirmed struct {
	Pairs        []domain.Pair `json:"pairs"`
	Mode         string        `json:"mode"`
	NotSubscribed []int32      `json:"not_subscribed,omitempty"`
	Timestamp    int64         `json:"timestamp"`
}

// HandleSetMode changes mode only for tokens already subscribed by this
// session; others are echoed in not_subscribed (spec §4.8.4).
func (h *Handler) HandleSetMode(session *ClientSession, req SubscribeRequest) (SetModeConfirmed, *EventError) {
	mode, ok := domain.ParseMode(req.Mode)
	if !ok {
		return SetModeConfirmed{}, &EventError{Code: "invalid_mode", Message: "unrecognized mode: " + req.Mode}
	}

	explicitPairs, bareTokens := splitInstruments(req.Instruments)
	resolved := h.registry.ResolveExchange(bareTokens)
	for _, tok := range bareTokens {
		if ex, ok := resolved[tok]; ok {
			explicitPairs = append(explicitPairs, domain.Pair{Exchange: ex, Token: tok})
		}
	}

	subscribedTokens := make(map[int32]bool)
	for _, tok := range session.SubscribedTokens() {
		subscribedTokens[tok] = true
	}

	var applied []domain.Pair
	var notSubscribed []int32
	for _, p := range explicitPairs {
		if subscribedTokens[p.Token] {
			applied = append(applied, p)
		} else {
			notSubscribed = append(notSubscribed, p.Token)
		}
	}

	h.mux.SetMode(session.ID, applied, mode)
	return SetModeConfirmed{Pairs: applied, Mode: mode.String(), NotSubscribed: notSubscribed, Timestamp: time.Now().UnixMilli()}, nil
}

// QuoteData is the server->client response for get_quote (spec §4.8.1).
type QuoteData struct {
	Quotes    map[domain.Pair]*float64 `json:"quotes"`
	Timestamp int64                    `json:"timestamp"`
}

// HandleGetQuote implements the WS get_quote event the same way
// rest_stock.go's handleStockQuotes serves POST /api/stock/quotes:
// resolve bare tokens via C3, then coalesce through C7's quote batcher
// (spec §4.5.4/§4.7 — "snapshot pulls" apply over both transports
// identically, WS included).
func (h *Handler) HandleGetQuote(ctx context.Context, req SubscribeRequest) (QuoteData, *EventError) {
	explicitPairs, bareTokens := splitInstruments(req.Instruments)
	resolved := h.registry.ResolveExchange(bareTokens)
	for _, tok := range bareTokens {
		if ex, ok := resolved[tok]; ok {
			explicitPairs = append(explicitPairs, domain.Pair{Exchange: ex, Token: tok})
		}
	}
	if len(explicitPairs) == 0 {
		return QuoteData{}, &EventError{Code: "quote_failed", Message: "no resolvable instruments"}
	}

	exchangeOf := make(map[int32]domain.Exchange, len(explicitPairs))
	tokens := make([]int32, len(explicitPairs))
	for i, p := range explicitPairs {
		tokens[i] = p.Token
		exchangeOf[p.Token] = p.Exchange
	}

	result, err := h.batQuote.Request(ctx, "quote", tokens, func(t int32) (domain.Exchange, bool) {
		ex, ok := exchangeOf[t]
		return ex, ok
	})
	if err != nil {
		return QuoteData{}, &EventError{Code: "quote_failed", Message: err.Error()}
	}
	return QuoteData{Quotes: result, Timestamp: time.Now().UnixMilli()}, nil
}

// HistoricalRequest is the client-supplied payload for get_historical_data
// (spec §4.5.4's get_historical, single-instrument form).
type HistoricalRequest struct {
	Token    int32  `json:"token"`
	Exchange string `json:"exchange,omitempty"`
	Interval string `json:"interval,omitempty"`
	From     int64  `json:"from,omitempty"`
	To       int64  `json:"to,omitempty"`
}

// HistoricalData is the server->client response for get_historical_data.
type HistoricalData struct {
	Bars      []upstream.HistoricalBar `json:"bars"`
	Timestamp int64                    `json:"timestamp"`
}

// HandleGetHistorical implements the WS get_historical_data event,
// mirroring rest_stock.go's handleStockHistorical passthrough to C5's
// SnapshotClient.
func (h *Handler) HandleGetHistorical(ctx context.Context, req HistoricalRequest) (HistoricalData, *EventError) {
	exchange := domain.Exchange(req.Exchange)
	if exchange == "" {
		resolved := h.registry.ResolveExchange([]int32{req.Token})
		ex, ok := resolved[req.Token]
		if !ok {
			return HistoricalData{}, &EventError{Code: "historical_failed", Message: "token could not be resolved to an exchange"}
		}
		exchange = ex
	}
	interval := req.Interval
	if interval == "" {
		interval = "1m"
	}
	to := req.To
	if to == 0 {
		to = time.Now().Unix()
	}

	bars, err := h.snap.GetHistorical(ctx, domain.Pair{Exchange: exchange, Token: req.Token}, interval, req.From, to)
	if err != nil {
		return HistoricalData{}, &EventError{Code: "historical_failed", Message: err.Error()}
	}
	return HistoricalData{Bars: bars, Timestamp: time.Now().UnixMilli()}, nil
}

// HandleDisconnect releases every contribution this session made to C6
// and clears its room memberships, called on disconnect (spec §5).
func (h *Handler) HandleDisconnect(session *ClientSession) {
	h.mux.Release(session.ID)
	h.index.RemoveSession(session.ID, session.Rooms())
}

func splitInstruments(instruments []any) (pairs []domain.Pair, bareTokens []int32) {
	for _, item := range instruments {
		switch v := item.(type) {
		case float64: // JSON numbers decode as float64
			bareTokens = append(bareTokens, int32(v))
		case string:
			if p, ok := parseExchangeTokenString(v); ok {
				pairs = append(pairs, p)
			}
		}
	}
	return pairs, bareTokens
}

func parseExchangeTokenString(s string) (domain.Pair, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '-' {
			ex := s[:i]
			tokStr := s[i+1:]
			tok, ok := parseInt32(tokStr)
			if !ok {
				return domain.Pair{}, false
			}
			return domain.Pair{Exchange: domain.Exchange(ex), Token: tok}, true
		}
	}
	return domain.Pair{}, false
}

func parseInt32(s string) (int32, bool) {
	var n int32
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int32(c-'0')
	}
	return n, true
}

func itoa32(n int32) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
