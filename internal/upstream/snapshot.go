package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
)

// Per-batch chunk sizes the upstream enforces (spec §4.5.4); the batcher
// (C7) respects these as its chunking unit.
const (
	ChunkSizeQuote = 500
	ChunkSizeLTP   = 1000
	ChunkSizeOHLC  = 1000
)

// SnapshotClient implements get_quote/get_ltp/get_ohlc/get_historical
// (spec §4.5.4). Token-only inputs must already be resolved to Pairs by
// the caller via C3; this client never guesses an exchange.
type SnapshotClient struct {
	baseURL    string
	httpClient *http.Client
	tokenFn    func() string // current upstream access token
}

func NewSnapshotClient(baseURL string, tokenFn func() string) *SnapshotClient {
	return &SnapshotClient{baseURL: baseURL, httpClient: &http.Client{}, tokenFn: tokenFn}
}

// QuoteResult mirrors the upstream's per-instrument quote shape; LastPrice
// is nil when the upstream has nothing for a pair, never defaulted to 0
// (spec §4.5.4).
type QuoteResult struct {
	Pair      domain.Pair `json:"pair"`
	LastPrice *float64    `json:"last_price"`
	OHLC      *domain.OHLC `json:"ohlc,omitempty"`
}

func (sc *SnapshotClient) GetQuote(ctx context.Context, pairs []domain.Pair) ([]QuoteResult, error) {
	return sc.fetch(ctx, "/quote", pairs)
}

func (sc *SnapshotClient) GetLTP(ctx context.Context, pairs []domain.Pair) ([]QuoteResult, error) {
	return sc.fetch(ctx, "/ltp", pairs)
}

func (sc *SnapshotClient) GetOHLC(ctx context.Context, pairs []domain.Pair) ([]QuoteResult, error) {
	return sc.fetch(ctx, "/ohlc", pairs)
}

// HistoricalBar is one bar of a historical series.
type HistoricalBar struct {
	Timestamp int64   `json:"ts"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
}

func (sc *SnapshotClient) GetHistorical(ctx context.Context, pair domain.Pair, interval string, from, to int64) ([]HistoricalBar, error) {
	url := fmt.Sprintf("%s/historical?exchange=%s&token=%d&interval=%s&from=%d&to=%d",
		sc.baseURL, pair.Exchange, pair.Token, interval, from, to)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	sc.authorize(req)

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream_session_failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream_session_failed(status=%d)", resp.StatusCode)
	}

	var bars []HistoricalBar
	if err := json.NewDecoder(resp.Body).Decode(&bars); err != nil {
		return nil, err
	}
	return bars, nil
}

func (sc *SnapshotClient) fetch(ctx context.Context, path string, pairs []domain.Pair) ([]QuoteResult, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = fmt.Sprintf("%s:%d", p.Exchange, p.Token)
	}
	url := fmt.Sprintf("%s%s?instruments=%s", sc.baseURL, path, strings.Join(parts, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	sc.authorize(req)

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream_session_failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream_session_failed(status=%d)", resp.StatusCode)
	}

	var results []QuoteResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, err
	}
	return results, nil
}

func (sc *SnapshotClient) authorize(req *http.Request) {
	if sc.tokenFn == nil {
		return
	}
	if token := sc.tokenFn(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// ChunkPairs splits pairs into upstream-sized chunks (spec §4.5.4).
func ChunkPairs(pairs []domain.Pair, size int) [][]domain.Pair {
	if size <= 0 {
		size = len(pairs)
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
