// Package audit implements the asynchronous side of C10: a best-effort
// writer that drains origin-audit events onto internal/store without ever
// blocking the request path that generated them (spec §4.10), with
// same-key/same-event coalescing for high-volume event types (SPEC_FULL.md
// §9.1).
package audit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/vayu-gateway/internal/store"
)

const (
	queueSize          = 4096
	coalesceWindow     = time.Second
	coalesceEventTypes = "rate_limited"
)

// Event is the hot-path-facing view of an audit record; Writer converts it
// to store.OriginAuditRecord on the async side.
type Event struct {
	Timestamp  time.Time
	ApiKeyID   *uint
	TenantID   string
	IP         string
	UserAgent  string
	Origin     string
	Event      string // http | ws_connect | ws_disconnect | rate_limited | ...
	Status     string
	DurationMs int64
	Meta       string
}

func (e Event) coalesceKey() string {
	return e.Event + "|" + e.TenantID + "|" + e.IP
}

// Writer owns a bounded queue drained by a single background goroutine.
// Record never blocks: a full queue drops the event and logs a warning,
// matching §4.10's "a failure here never blocks a request" contract.
type Writer struct {
	store  *store.Store
	logger zerolog.Logger
	queue  chan Event

	mu        sync.Mutex
	pending   map[string]*pendingCoalesce
	stop      chan struct{}
	stopped   chan struct{}
}

type pendingCoalesce struct {
	rec   store.OriginAuditRecord
	count int
	timer *time.Timer
}

func NewWriter(st *store.Store, logger zerolog.Logger) *Writer {
	w := &Writer{
		store:   st,
		logger:  logger.With().Str("component", "audit").Logger(),
		queue:   make(chan Event, queueSize),
		pending: make(map[string]*pendingCoalesce),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

// Record enqueues an audit event. Best-effort: a full queue drops the
// event rather than applying backpressure to the caller.
func (w *Writer) Record(e Event) {
	select {
	case w.queue <- e:
	default:
		w.logger.Warn().Str("event", e.Event).Msg("audit queue full, dropping event")
	}
}

func (w *Writer) run() {
	defer close(w.stopped)
	for {
		select {
		case e, ok := <-w.queue:
			if !ok {
				return
			}
			w.handle(e)
		case <-w.stop:
			w.drain()
			return
		}
	}
}

func (w *Writer) handle(e Event) {
	if e.Event != coalesceEventTypes {
		w.store.WriteAudit(&store.OriginAuditRecord{
			Timestamp: e.Timestamp, ApiKeyID: e.ApiKeyID, TenantID: e.TenantID, IP: e.IP,
			UserAgent: e.UserAgent, Origin: e.Origin, Event: e.Event, Status: e.Status,
			DurationMs: e.DurationMs, Count: 1, Meta: e.Meta,
		})
		return
	}

	key := e.coalesceKey()
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[key]; ok {
		p.count++
		return
	}

	rec := store.OriginAuditRecord{
		Timestamp: e.Timestamp, ApiKeyID: e.ApiKeyID, TenantID: e.TenantID, IP: e.IP,
		UserAgent: e.UserAgent, Origin: e.Origin, Event: e.Event, Status: e.Status,
		DurationMs: e.DurationMs, Count: 1, Meta: e.Meta,
	}
	p := &pendingCoalesce{rec: rec, count: 1}
	w.pending[key] = p
	p.timer = time.AfterFunc(coalesceWindow, func() { w.flushOne(key) })
}

func (w *Writer) flushOne(key string) {
	w.mu.Lock()
	p, ok := w.pending[key]
	if ok {
		delete(w.pending, key)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	p.rec.Count = p.count
	w.store.WriteAudit(&p.rec)
}

func (w *Writer) drain() {
	for {
		select {
		case e := <-w.queue:
			w.handle(e)
		default:
			w.mu.Lock()
			keys := make([]string, 0, len(w.pending))
			for k := range w.pending {
				keys = append(keys, k)
			}
			w.mu.Unlock()
			for _, k := range keys {
				w.flushOne(k)
			}
			return
		}
	}
}

// Stop flushes any in-flight queue and coalesced windows, then returns.
// Part of the graceful-shutdown sequence (spec §5: "flush audit queue"
// happens after upstream disconnect, before the HTTP server stops).
func (w *Writer) Stop() {
	close(w.stop)
	<-w.stopped
}
