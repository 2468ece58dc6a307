// Package server wires C1-C10 into one running process: component
// construction, HTTP routing, and the graceful-shutdown sequence spec §5
// mandates. Grounded on ws/internal/shared/server.go's Server struct and
// NewServer/Shutdown shape, generalized from one WS fan-out loop to this
// gateway's full component graph.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/vayu-gateway/internal/admin"
	"github.com/AmanVatsSharma/vayu-gateway/internal/admission"
	"github.com/AmanVatsSharma/vayu-gateway/internal/audit"
	"github.com/AmanVatsSharma/vayu-gateway/internal/batcher"
	"github.com/AmanVatsSharma/vayu-gateway/internal/config"
	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
	"github.com/AmanVatsSharma/vayu-gateway/internal/gateway"
	"github.com/AmanVatsSharma/vayu-gateway/internal/kv"
	"github.com/AmanVatsSharma/vayu-gateway/internal/metrics"
	"github.com/AmanVatsSharma/vayu-gateway/internal/multiplexer"
	"github.com/AmanVatsSharma/vayu-gateway/internal/policy"
	"github.com/AmanVatsSharma/vayu-gateway/internal/registry"
	"github.com/AmanVatsSharma/vayu-gateway/internal/store"
	"github.com/AmanVatsSharma/vayu-gateway/internal/upstream"
)

const upstreamProvider = "vortex"

// Server owns every component and the process's single HTTP listener.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	httpServer *http.Server

	kvStore *kv.NATS
	st      *store.Store
	reg     *registry.Registry
	pol     *policy.Engine
	session *upstream.SessionManager
	parser  *upstream.Parser
	driver  *upstream.WSConnPool
	mux     *multiplexer.Multiplexer

	// One Batcher per REST scope: each wraps a different upstream fetch
	// method, and the coalescing key space they each own internally never
	// needs to distinguish scopes since a batcher only ever sees one.
	batQuote *batcher.Batcher
	batLTP   *batcher.Batcher
	batOHLC  *batcher.Batcher
	snap     *upstream.SnapshotClient

	index      *gateway.SubscriptionIndex
	fanout     *gateway.FanOut
	handler    *gateway.Handler
	dispatch   *gateway.EventDispatcher
	rawT       *gateway.RawTransport
	sioT       *gateway.SocketIOTransport

	promReg     *prometheus.Registry
	adminEngine *admin.Engine
	adminHTTP   *admin.HTTPHandlers
	met         *metrics.Metrics
	auditLog    *audit.Writer
	guard       *admission.Guard

	tickCh  chan domain.Tick
	stopMux chan struct{}

	accepting atomic.Bool
	startedAt time.Time
}

// New constructs every component graph for the process but starts nothing
// background yet (callers invoke Run after routes are mounted).
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger, tickCh: make(chan domain.Tick, 4096), stopMux: make(chan struct{}), startedAt: time.Now()}
	s.accepting.Store(true)

	s.kvStore = kv.NewNATS(kv.NATSConfig{
		URL: cfg.NATSURL, ConnectTimeout: cfg.KVConnTimeout,
		MaxReconnects: -1, ReconnectWait: time.Second, Bucket: "vayu_gateway",
	}, logger)

	st, err := store.Open(cfg.PostgresDSN, logger)
	if err != nil {
		return nil, err
	}
	s.st = st

	s.reg = registry.New(st, s.kvStore, logger)
	s.pol = policy.New(st, s.kvStore, logger)
	s.auditLog = audit.NewWriter(st, logger)

	s.promReg = prometheus.NewRegistry()
	s.met = metrics.New(s.promReg)

	s.guard = admission.New(admission.Limits{
		MaxConnections:     cfg.MaxConnections,
		MaxGoroutines:      cfg.MaxGoroutines,
		MemoryLimitBytes:   cfg.MemoryLimitBytes,
		CPURejectThreshold: cfg.CPURejectThreshold,
		CPUPauseThreshold:  cfg.CPUPauseThreshold,
	}, logger)
	s.guard.SetOnSample(func(cpuPercent float64, memoryBytes int64, goroutines int, connections int64) {
		s.met.ProcessCPUPercent.Set(cpuPercent)
		s.met.ProcessMemoryBytes.Set(float64(memoryBytes))
		s.met.ProcessGoroutines.Set(float64(goroutines))
		s.met.ProcessConnections.Set(float64(connections))
	})

	upstreamCfg := upstream.Config{
		ApplicationID: cfg.UpstreamApplicationID, APIKey: cfg.UpstreamAPIKey,
		APISecret: cfg.UpstreamAPISecret, BaseURL: cfg.UpstreamBaseURL, WSHost: cfg.UpstreamWSHost,
	}
	s.session = upstream.NewSessionManager(upstreamCfg, st, s.kvStore, logger, func(token string) {
		if s.driver != nil {
			s.driver.SetAccessToken(token)
		}
	})

	s.parser = upstream.NewParser(s.instrumentTypeLookup)
	s.driver = upstream.NewWSConnPool(cfg.UpstreamWSHost, s.parser, s.onTick, func() map[domain.Pair]domain.Mode { return s.mux.Modes() }, logger)

	s.mux = multiplexer.New(s.driver, logger)
	s.snap = upstream.NewSnapshotClient(cfg.UpstreamBaseURL, s.session.CurrentAccessToken)

	window := time.Duration(cfg.SnapshotBatchWindowMs) * time.Millisecond
	s.batQuote = batcher.New(s.reg, s.fetchScope(s.snap.GetQuote), upstream.ChunkSizeQuote, window, logger)
	s.batLTP = batcher.New(s.reg, s.fetchScope(s.snap.GetLTP), upstream.ChunkSizeLTP, window, logger)
	s.batOHLC = batcher.New(s.reg, s.fetchScope(s.snap.GetOHLC), upstream.ChunkSizeOHLC, window, logger)

	s.index = gateway.NewSubscriptionIndex()
	s.fanout = gateway.NewFanOut(s.index, s.kvStore, cfg.MaxOutboundBufferBytes, cfg.SlowClientGrace, logger)
	s.handler = gateway.NewHandler(s.pol, s.mux, s.reg, s.kvStore, s.index, s.adminEngineStreaming, s.batQuote, s.snap)
	s.dispatch = gateway.NewEventDispatcher(s.pol, s.handler, cfg.WSSubscribeRPS, cfg.WSUnsubscribeRPS, cfg.WSModeRPS, logger)
	s.dispatch.SetConnectHooks(s.onClientConnect, s.onClientDisconnect)
	s.rawT = gateway.NewRawTransport(s.dispatch, 256, s.guard.ShouldAcceptConnection, logger)
	s.sioT = gateway.NewSocketIOTransport(s.dispatch, 256, func() string { return upstreamProvider },
		[]string{string(domain.ExchangeNSEEQ), string(domain.ExchangeNSEFO), string(domain.ExchangeNSECUR), string(domain.ExchangeMCXFO)},
		map[string]any{"ws_subscribe_rps": cfg.WSSubscribeRPS, "ws_unsubscribe_rps": cfg.WSUnsubscribeRPS},
		s.guard.ShouldAcceptConnection, logger)

	instanceID := newInstanceID()
	s.adminEngine = admin.New(instanceID, st, s.kvStore, s.pol, s.mux, s.driver, logger)
	s.adminHTTP = admin.NewHTTPHandlers(s.adminEngine, cfg.AdminToken, logger)

	return s, nil
}

func newInstanceID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// adminEngineStreaming is passed to gateway.NewHandler as the
// streaming-active predicate (spec §4.8.4: "subscribe against an inactive
// stream returns stream_inactive").
func (s *Server) adminEngineStreaming() bool {
	if s.adminEngine == nil {
		return false
	}
	return s.adminEngine.IsStreaming()
}

func (s *Server) instrumentTypeLookup(token int32) (string, bool) {
	recs, err := s.st.FindInstrumentsByToken(token)
	if err != nil || len(recs) == 0 {
		return "", false
	}
	return recs[0].InstrumentType, true
}

func (s *Server) onTick(t domain.Tick) {
	s.met.TickParseTotal.Inc()
	select {
	case s.tickCh <- t:
	default:
		s.met.FanOutDropsTotal.Inc()
	}
}

// fetchScope adapts one of SnapshotClient's []QuoteResult-returning methods
// into the batcher.Fetcher shape every Batcher is constructed with.
func (s *Server) fetchScope(call func(ctx context.Context, pairs []domain.Pair) ([]upstream.QuoteResult, error)) batcher.Fetcher {
	return func(ctx context.Context, pairs []domain.Pair) (map[domain.Pair]*float64, error) {
		results, err := call(ctx, pairs)
		if err != nil {
			return nil, err
		}
		out := make(map[domain.Pair]*float64, len(results))
		for _, r := range results {
			out[r.Pair] = r.LastPrice
		}
		return out, nil
	}
}

func (s *Server) onClientConnect(session *gateway.ClientSession) {
	s.met.WSConnectionsByApiKey.WithLabelValues(session.ApiKey).Inc()
	s.guard.IncConnections()
	s.auditLog.Record(audit.Event{Timestamp: time.Now(), TenantID: session.TenantID, Event: "ws_connect", Status: "ok"})
}

func (s *Server) onClientDisconnect(session *gateway.ClientSession) {
	s.met.WSConnectionsByApiKey.WithLabelValues(session.ApiKey).Dec()
	s.guard.DecConnections()
	s.auditLog.Record(audit.Event{Timestamp: time.Now(), TenantID: session.TenantID, Event: "ws_disconnect", Status: "ok"})
}

// Run starts every background loop: the multiplexer's coalescing worker,
// the fan-out dispatcher, and (if an active upstream session already
// exists) the upstream driver — booting in degraded snapshot-only mode
// otherwise, per spec §5's startup tolerance.
func (s *Server) Run(ctx context.Context) {
	go s.mux.Run(s.stopMux)
	go s.fanout.Run(s.tickCh, s.stopMux)
	s.guard.StartMonitoring(ctx, s.cfg.MetricsInterval)

	if _, err := s.st.GetActiveSession(upstreamProvider); err == nil {
		if err := s.adminEngine.StartStreaming(ctx, upstreamProvider); err != nil {
			s.logger.Warn().Err(err).Msg("failed to auto-start streaming at boot, serving snapshots from KV only")
		}
	} else {
		s.logger.Warn().Msg("no active upstream session at boot; serving snapshot/cached data only until /api/auth login completes")
	}
}

// Shutdown executes spec §5's exact draining order: stop accepting new
// client connections, close the upstream WS, flush the audit queue, then
// stop the HTTP server — mirrored from ws/internal/shared/server.go's
// Shutdown, generalized from one drain phase to this gateway's four.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("initiating graceful shutdown")
	s.accepting.Store(false)

	if s.adminEngine.IsStreaming() {
		if err := s.adminEngine.StopStreaming(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("error stopping upstream streaming during shutdown")
		}
	}

	close(s.stopMux)
	s.auditLog.Stop()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	_ = s.kvStore.Close()
	return s.st.Close()
}

// Handler returns the root http.Handler with every route mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/market-data", s.sioT)
	mux.Handle("/ws", s.rawT)

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/health/detailed", s.handleHealthDetailed)
	mux.Handle("GET /api/health/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /api/admin/apikeys", s.adminHTTP.CreateApiKey)
	mux.HandleFunc("GET /api/admin/apikeys", s.adminHTTP.ListApiKeys)
	mux.HandleFunc("POST /api/admin/apikeys/deactivate", s.adminHTTP.DeactivateApiKey)
	mux.HandleFunc("POST /api/admin/apikeys/update", s.adminHTTP.UpdateApiKeyPolicy)
	mux.HandleFunc("POST /api/admin/provider/global", s.adminHTTP.SetGlobalProvider)
	mux.HandleFunc("GET /api/admin/provider/global", s.adminHTTP.GetGlobalProvider)
	mux.HandleFunc("POST /api/admin/provider/stream/start", s.adminHTTP.StartStreaming)
	mux.HandleFunc("POST /api/admin/provider/stream/stop", s.adminHTTP.StopStreaming)
	mux.HandleFunc("GET /api/admin/stream/status", s.adminHTTP.GetStreamStatus)
	mux.HandleFunc("GET /api/admin/stats", s.adminHTTP.GetStats)

	mux.HandleFunc("GET /api/auth/{provider}/login", s.handleAuthLogin)
	mux.HandleFunc("GET /api/auth/{provider}/callback", s.handleAuthCallback)

	mux.HandleFunc("POST /api/stock/quotes", s.handleStockQuotes)
	mux.HandleFunc("POST /api/stock/ltp", s.handleStockLTP)
	mux.HandleFunc("POST /api/stock/ohlc", s.handleStockOHLC)
	mux.HandleFunc("GET /api/stock/historical/{token}", s.handleStockHistorical)
	mux.HandleFunc("GET /api/stock/instruments", s.handleInstrumentsList)
	mux.HandleFunc("GET /api/stock/instruments/search", s.handleInstrumentsSearch)
	mux.HandleFunc("POST /api/stock/instruments/sync", s.handleInstrumentsSync)

	return s.withCORS(mux)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, x-api-key, x-admin-token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if !s.accepting.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "code": "shutting_down"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe binds cfg.Addr and blocks until Shutdown stops it.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
