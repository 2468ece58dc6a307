package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/AmanVatsSharma/vayu-gateway/internal/apperr"
	"github.com/AmanVatsSharma/vayu-gateway/internal/batcher"
	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
)

// writeError renders spec §6's error envelope: {success:false, statusCode,
// code, message, path, timestamp}, grounded on ws/internal/single/core's
// JSON-handler style (map[string]any + json.NewEncoder).
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperr.As(err)
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()
	if ok {
		status = apperr.HTTPStatus(appErr.Kind)
		code = appErr.Code
		message = appErr.Message
	}
	writeJSON(w, status, map[string]any{
		"success":    false,
		"statusCode": status,
		"code":       code,
		"message":    message,
		"path":       r.URL.Path,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type scopeQuoteRequest struct {
	Tokens []int32 `json:"tokens"`
}

// handleStockQuotes handles POST /api/stock/quotes.
func (s *Server) handleStockQuotes(w http.ResponseWriter, r *http.Request) {
	s.handleScope(w, r, "quote", s.batQuote)
}

// handleStockLTP handles POST /api/stock/ltp.
func (s *Server) handleStockLTP(w http.ResponseWriter, r *http.Request) {
	s.handleScope(w, r, "ltp", s.batLTP)
}

// handleStockOHLC handles POST /api/stock/ohlc.
func (s *Server) handleStockOHLC(w http.ResponseWriter, r *http.Request) {
	s.handleScope(w, r, "ohlc", s.batOHLC)
}

func (s *Server) handleScope(w http.ResponseWriter, r *http.Request, scope batcher.Scope, bat *batcher.Batcher) {
	var body scopeQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Tokens) == 0 {
		writeError(w, r, apperr.New(apperr.KindValidation, "invalid_payload", "tokens must be a non-empty array"))
		return
	}
	results, err := bat.Request(r.Context(), scope, body.Tokens, func(t int32) (domain.Exchange, bool) {
		exch := s.reg.ResolveExchange([]int32{t})
		e, ok := exch[t]
		return e, ok
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": results})
}

// handleStockHistorical handles GET /api/stock/historical/{token}.
func (s *Server) handleStockHistorical(w http.ResponseWriter, r *http.Request) {
	token, err := strconv.Atoi(r.PathValue("token"))
	if err != nil {
		writeError(w, r, apperr.New(apperr.KindValidation, "invalid_token", "token must be numeric"))
		return
	}
	q := r.URL.Query()
	interval := q.Get("interval")
	if interval == "" {
		interval = "1m"
	}
	from, _ := strconv.ParseInt(q.Get("from"), 10, 64)
	to, _ := strconv.ParseInt(q.Get("to"), 10, 64)
	if to == 0 {
		to = time.Now().Unix()
	}

	exch := s.reg.ResolveExchange([]int32{int32(token)})
	exchange, ok := exch[int32(token)]
	if !ok {
		writeError(w, r, apperr.New(apperr.KindValidation, "unknown_token", "token could not be resolved to an exchange"))
		return
	}

	bars, err := s.snap.GetHistorical(r.Context(), domain.Pair{Exchange: exchange, Token: int32(token)}, interval, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": bars})
}

// handleInstrumentsList handles GET /api/stock/instruments.
func (s *Server) handleInstrumentsList(w http.ResponseWriter, r *http.Request) {
	s.searchInstruments(w, r)
}

// handleInstrumentsSearch handles GET /api/stock/instruments/search.
func (s *Server) handleInstrumentsSearch(w http.ResponseWriter, r *http.Request) {
	s.searchInstruments(w, r)
}

func (s *Server) searchInstruments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	page, err := s.reg.Search(q.Get("q"), q.Get("exchange"), q.Get("instrument_type"), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": page})
}

// handleInstrumentsSync handles POST /api/stock/instruments/sync
// {"exchange": "...", "source_url": "..."}.
func (s *Server) handleInstrumentsSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Exchange  string `json:"exchange"`
		SourceURL string `json:"source_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, apperr.New(apperr.KindValidation, "invalid_payload", "invalid sync request body"))
		return
	}
	report, err := s.reg.Sync(r.Context(), body.Exchange, body.SourceURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": report})
}
