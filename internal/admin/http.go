package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
)

// HTTPHandlers wraps an Engine with the /api/admin/* mux routes, checking
// x-admin-token on every request the same way the rest of this gateway
// gates privileged operations with one shared secret (spec §4.9).
type HTTPHandlers struct {
	engine     *Engine
	adminToken string
	logger     zerolog.Logger
}

func NewHTTPHandlers(engine *Engine, adminToken string, logger zerolog.Logger) *HTTPHandlers {
	return &HTTPHandlers{engine: engine, adminToken: adminToken, logger: logger.With().Str("component", "admin.http").Logger()}
}

func (h *HTTPHandlers) authorized(w http.ResponseWriter, r *http.Request) bool {
	if Authorize(r.Header.Get("x-admin-token"), h.adminToken) {
		return true
	}
	writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_admin_token"})
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// SetGlobalProvider handles POST /api/admin/provider/global {"provider": "vortex"}.
func (h *HTTPHandlers) SetGlobalProvider(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	var body struct {
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Provider == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_payload"})
		return
	}
	if err := h.engine.SetGlobalProvider(r.Context(), body.Provider); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "provider": body.Provider})
}

// GetGlobalProvider handles GET /api/admin/provider/global.
func (h *HTTPHandlers) GetGlobalProvider(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	provider, ok := h.engine.GlobalProvider(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"provider": provider, "configured": ok})
}

// GetStreamStatus handles GET /api/admin/stream/status — the REST mirror
// of the stream:status pub/sub channel (spec §3: "also available via REST").
func (h *HTTPHandlers) GetStreamStatus(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	provider, _ := h.engine.GlobalProvider(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"is_streaming":     h.engine.IsStreaming(),
		"provider":         provider,
		"subscribed_count": len(h.engine.mux.Snapshot()),
		"upstream_connected": h.engine.driver != nil && h.engine.driver.IsConnected(),
	})
}

// StartStreaming handles POST /api/admin/provider/stream/start {"provider": "vortex"}.
func (h *HTTPHandlers) StartStreaming(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	var body struct {
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Provider == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_payload"})
		return
	}
	if err := h.engine.StartStreaming(r.Context(), body.Provider); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "streaming": true})
}

// StopStreaming handles POST /api/admin/provider/stream/stop.
func (h *HTTPHandlers) StopStreaming(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	if err := h.engine.StopStreaming(r.Context()); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "streaming": false})
}

// CreateApiKey handles POST /api/admin/apikeys.
func (h *HTTPHandlers) CreateApiKey(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	var body struct {
		KeyString          string   `json:"key_string"`
		TenantID           string   `json:"tenant_id"`
		RateLimitPerMinute int      `json:"rate_limit_per_minute"`
		ConnectionLimit    int      `json:"connection_limit"`
		WSSubscribeRPS     float64  `json:"ws_subscribe_rps"`
		WSUnsubscribeRPS   float64  `json:"ws_unsubscribe_rps"`
		WSModeRPS          float64  `json:"ws_mode_rps"`
		EntitledExchanges  []string `json:"entitled_exchanges"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.KeyString == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_payload"})
		return
	}
	rec, err := h.engine.CreateApiKey(CreateApiKeyRequest{
		KeyString: body.KeyString, TenantID: body.TenantID,
		RateLimitPerMinute: body.RateLimitPerMinute, ConnectionLimit: body.ConnectionLimit,
		WSSubscribeRPS: body.WSSubscribeRPS, WSUnsubscribeRPS: body.WSUnsubscribeRPS, WSModeRPS: body.WSModeRPS,
		EntitledExchanges: toExchanges(body.EntitledExchanges),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ListApiKeys handles GET /api/admin/apikeys?limit=&offset=.
func (h *HTTPHandlers) ListApiKeys(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	limit, offset := 50, 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	recs, err := h.engine.ListApiKeys(limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": recs})
}

// UpdateApiKeyPolicy handles POST /api/admin/apikeys/update {"key_string":
// ..., rate/entitlement fields...} — the REST surface for spec §4.9's
// "rate-limit and entitlement updates" operation.
func (h *HTTPHandlers) UpdateApiKeyPolicy(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	var body struct {
		KeyString          string   `json:"key_string"`
		RateLimitPerMinute int      `json:"rate_limit_per_minute"`
		ConnectionLimit    int      `json:"connection_limit"`
		WSSubscribeRPS     float64  `json:"ws_subscribe_rps"`
		WSUnsubscribeRPS   float64  `json:"ws_unsubscribe_rps"`
		WSModeRPS          float64  `json:"ws_mode_rps"`
		EntitledExchanges  []string `json:"entitled_exchanges"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.KeyString == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_payload"})
		return
	}
	err := h.engine.UpdateApiKeyPolicy(body.KeyString, UpdatePolicyRequest{
		RateLimitPerMinute: body.RateLimitPerMinute, ConnectionLimit: body.ConnectionLimit,
		WSSubscribeRPS: body.WSSubscribeRPS, WSUnsubscribeRPS: body.WSUnsubscribeRPS, WSModeRPS: body.WSModeRPS,
		EntitledExchanges: toExchanges(body.EntitledExchanges),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// DeactivateApiKey handles POST /api/admin/apikeys/deactivate {"key_string": ...}.
func (h *HTTPHandlers) DeactivateApiKey(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	var body struct {
		KeyString string `json:"key_string"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.KeyString == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_payload"})
		return
	}
	if err := h.engine.DeactivateApiKey(body.KeyString); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// GetStats handles GET /api/admin/stats.
func (h *HTTPHandlers) GetStats(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	report, err := h.engine.GetStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func toExchanges(ss []string) []domain.Exchange {
	out := make([]domain.Exchange, 0, len(ss))
	for _, s := range ss {
		out = append(out, domain.Exchange(s))
	}
	return out
}
