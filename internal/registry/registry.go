// Package registry implements C3, the instrument master: exchange
// resolution, search, and master-CSV sync jobs.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
	"github.com/AmanVatsSharma/vayu-gateway/internal/kv"
	"github.com/AmanVatsSharma/vayu-gateway/internal/store"
)

// JobState is one of the states a sync job progresses through, recorded in
// KV under vayu:sync:job:<id> (spec §4.3).
type JobState string

const (
	JobStarted   JobState = "started"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// SyncReport summarizes one sync() run.
type SyncReport struct {
	JobID    string   `json:"job_id"`
	State    JobState `json:"state"`
	Upserted int      `json:"upserted"`
	Deactivated int   `json:"deactivated"`
	Error    string   `json:"error,omitempty"`
}

// ErrJobAlreadyRunning is returned when a sync for the same scope is
// already in flight (spec §4.3: "a collision returns job_already_running").
var ErrJobAlreadyRunning = fmt.Errorf("job_already_running")

// indexTable is the hard-coded fallback used for well-known index tokens,
// the third tier of resolve_exchange's precedence chain (spec §4.3).
var indexTable = map[int32]domain.Exchange{
	256265: domain.ExchangeNSEEQ, // NIFTY 50
	260105: domain.ExchangeNSEEQ, // NIFTY BANK
}

// Registry implements C3's public operations.
type Registry struct {
	store      *store.Store
	kv         kv.KV
	logger     zerolog.Logger
	httpClient *http.Client
}

func New(st *store.Store, k kv.KV, logger zerolog.Logger) *Registry {
	return &Registry{
		store:      st,
		kv:         k,
		logger:     logger.With().Str("component", "registry").Logger(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// ResolveExchange implements the precedence chain of §4.3: (1) live
// instruments table, (2) sync-populated mappings table, (3) the hard-coded
// index table. Tokens with no resolution are absent from the result — the
// caller must never default one, per the spec's explicit Open Question.
func (r *Registry) ResolveExchange(tokens []int32) map[int32]domain.Exchange {
	out := make(map[int32]domain.Exchange, len(tokens))
	for _, tok := range tokens {
		if recs, err := r.store.FindInstrumentsByToken(tok); err == nil && len(recs) > 0 {
			out[tok] = domain.Exchange(recs[0].Exchange)
			continue
		}
		if ex, ok := r.store.ResolveMapping(tok); ok {
			out[tok] = domain.Exchange(ex)
			continue
		}
		if ex, ok := indexTable[tok]; ok {
			out[tok] = ex
			continue
		}
		// Deliberately absent: never default, per spec §4.3 Open Question.
	}
	return out
}

// Page is a bounded search result, extended beyond the distilled spec with
// a stable pagination envelope (SPEC_FULL.md §9.1) so dashboards can page
// through F&O chains without re-running the fuzzy parse.
type Page struct {
	Records []store.InstrumentRecord `json:"records"`
	Page    int                      `json:"page"`
	Limit   int                      `json:"limit"`
	Total   int64                    `json:"total"`
}

// Search implements §4.3's fuzzy search with an F&O query parser; on an
// empty structured-filter result it falls back to a plain substring match.
func (r *Registry) Search(query string, exchange, instrumentType string, limit, offset int) (Page, error) {
	if limit <= 0 {
		limit = 25
	}
	filters := ParseFOQuery(query)
	searchTerm := query
	effExchange := exchange
	effType := instrumentType

	if filters.Underlying != "" && (filters.OptionType != "" || filters.Strike != 0 || filters.Expiry != nil) {
		searchTerm = filters.Underlying
		if effType == "" && filters.OptionType != "" {
			effType = filters.OptionType
		}
		if effExchange == "" {
			effExchange = string(domain.ExchangeNSEFO)
		}
	}

	recs, total, err := r.store.SearchInstruments(effExchange, effType, searchTerm, limit, offset)
	if err != nil {
		return Page{}, err
	}
	if len(recs) == 0 && searchTerm != query {
		// Fuzzy fallback: the structured parse found nothing, retry on the
		// raw query string (spec §4.3 "fuzzy fallback on empty result").
		recs, total, err = r.store.SearchInstruments(exchange, instrumentType, query, limit, offset)
		if err != nil {
			return Page{}, err
		}
	}

	page := offset/limit + 1
	return Page{Records: recs, Page: page, Limit: limit, Total: total}, nil
}

// Sync pulls the broker's master CSV, upserts by (exchange, symbol), and,
// when an exchange scope is given, marks that exchange's absent rows
// inactive; an unscoped sync deactivates nothing. It is idempotent,
// coalesces concurrent calls for the same scope via a short-TTL KV lock,
// and records job progress under vayu:sync:job:<id> (spec §4.3).
func (r *Registry) Sync(ctx context.Context, exchange, sourceURL string) (SyncReport, error) {
	scope := exchange
	if scope == "" {
		scope = "all"
	}
	lockKey := fmt.Sprintf("vayu:sync:lock:%s", scope)
	if _, exists := r.kv.Get(ctx, lockKey); exists {
		return SyncReport{}, ErrJobAlreadyRunning
	}
	if err := r.kv.Set(ctx, lockKey, []byte("1"), 30*time.Second); err != nil {
		r.logger.Warn().Err(err).Msg("failed to acquire sync lock, proceeding best-effort")
	}
	defer r.kv.Delete(ctx, lockKey)

	jobID := newJobID()
	jobKey := fmt.Sprintf("vayu:sync:job:%s", jobID)
	r.setJobState(ctx, jobKey, JobStarted, nil)

	report := SyncReport{JobID: jobID, State: JobRunning}
	r.setJobState(ctx, jobKey, JobRunning, nil)

	rows, err := r.fetchMasterCSV(ctx, sourceURL)
	if err != nil {
		report.State = JobFailed
		report.Error = err.Error()
		r.setJobState(ctx, jobKey, JobFailed, err)
		return report, err
	}

	seenSymbols := make([]string, 0, len(rows))
	for _, row := range rows {
		rec := &store.InstrumentRecord{
			Exchange:       row.Exchange,
			Symbol:         row.Symbol,
			Token:          row.Token,
			InstrumentType: row.InstrumentType,
			ExpiryDate:     row.ExpiryDate,
			Strike:         row.Strike,
			LotSize:        row.LotSize,
			TickSize:       row.TickSize,
			IsActive:       true,
		}
		if err := r.store.UpsertInstrument(rec); err != nil {
			r.logger.Warn().Err(err).Str("symbol", row.Symbol).Msg("failed to upsert instrument row")
			continue
		}
		_ = r.store.UpsertMapping(row.Token, row.Exchange, "sync")
		seenSymbols = append(seenSymbols, row.Symbol)
		report.Upserted++
	}

	if exchange != "" {
		deactivated, err := r.store.DeactivateMissing(exchange, seenSymbols)
		if err == nil {
			report.Deactivated = int(deactivated)
		}
	}

	report.State = JobCompleted
	r.setJobState(ctx, jobKey, JobCompleted, nil)
	return report, nil
}

func (r *Registry) setJobState(ctx context.Context, jobKey string, state JobState, jobErr error) {
	payload := map[string]any{"state": state}
	if jobErr != nil {
		payload["error"] = jobErr.Error()
	}
	b, _ := json.Marshal(payload)
	_ = r.kv.Set(ctx, jobKey, b, time.Hour)
}

type csvRow struct {
	Exchange       string
	Symbol         string
	Token          int32
	InstrumentType string
	ExpiryDate     *time.Time
	Strike         *float64
	LotSize        int
	TickSize       float64
}

// masterCSVColumns are the header columns fetchMasterCSV requires, in any
// order. The exact upstream schema is broker-defined; this is the minimal column set
// Sync needs to populate store.InstrumentRecord.
var masterCSVColumns = []string{
	"exchange", "symbol", "token", "instrument_type", "expiry_date", "strike", "lot_size", "tick_size",
}

// fetchMasterCSV downloads and parses the broker's instrument master CSV
// into rows Sync can upsert. A header row is required; columns are matched
// by name (masterCSVColumns) so a reordered or broker-specific export still
// parses so long as every required column is present.
func (r *Registry) fetchMasterCSV(ctx context.Context, sourceURL string) ([]csvRow, error) {
	if sourceURL == "" {
		return nil, fmt.Errorf("config_missing: no source_url configured for instrument sync")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream_session_failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream_session_failed: status %d", resp.StatusCode)
	}
	return parseMasterCSV(resp.Body)
}

func parseMasterCSV(body io.Reader) ([]csvRow, error) {
	cr := csv.NewReader(body)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("invalid_csv: empty master feed")
		}
		return nil, fmt.Errorf("invalid_csv: %w", err)
	}
	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, want := range masterCSVColumns {
		if _, ok := colIdx[want]; !ok {
			return nil, fmt.Errorf("invalid_csv: missing required column %q", want)
		}
	}

	var rows []csvRow
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid_csv: %w", err)
		}

		token, err := strconv.ParseInt(strings.TrimSpace(rec[colIdx["token"]]), 10, 32)
		if err != nil {
			continue // unparseable token: skip the row rather than fail the whole sync
		}
		lotSize, _ := strconv.Atoi(strings.TrimSpace(rec[colIdx["lot_size"]]))
		tickSize, _ := strconv.ParseFloat(strings.TrimSpace(rec[colIdx["tick_size"]]), 64)

		row := csvRow{
			Exchange:       strings.TrimSpace(rec[colIdx["exchange"]]),
			Symbol:         strings.TrimSpace(rec[colIdx["symbol"]]),
			Token:          int32(token),
			InstrumentType: strings.TrimSpace(rec[colIdx["instrument_type"]]),
			LotSize:        lotSize,
			TickSize:       tickSize,
		}
		if strike, err := strconv.ParseFloat(strings.TrimSpace(rec[colIdx["strike"]]), 64); err == nil {
			row.Strike = &strike
		}
		if expiry := strings.TrimSpace(rec[colIdx["expiry_date"]]); expiry != "" {
			if t, err := time.Parse("2006-01-02", expiry); err == nil {
				row.ExpiryDate = &t
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func newJobID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
