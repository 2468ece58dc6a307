// Package multiplexer implements C6, the subscription multiplexer: a
// single-writer refcount table consulted only by C8, translated into
// upstream subscribe/unsubscribe bursts on C5 via a coalescing queue
// (spec §4.6).
package multiplexer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
)

const (
	tickInterval    = 500 * time.Millisecond
	queueHighWater  = 256
	maxEmitRate     = 50 // per second, matches C5's own ceiling (spec §4.5.2)
)

// Driver is the subset of the upstream WS client the multiplexer emits
// frames through; the multiplexer never writes to a socket directly
// (spec §5, "Upstream connection pool... the multiplexer emits frames by
// enqueuing to the driver").
type Driver interface {
	Subscribe(exchange domain.Exchange, token int32, mode domain.Mode) error
	Unsubscribe(exchange domain.Exchange, token int32) error
	IsConnected() bool
}

// opKind distinguishes the four mutating operations the queue accepts.
type opKind int

const (
	opSubscribe opKind = iota
	opUnsubscribe
	opSetMode
	opRelease
)

type item struct {
	kind     opKind
	session  string
	pairs    []domain.Pair
	tokens   []int32
	mode     domain.Mode
}

// refEntry is one (exchange, token)'s refcount state: the set of sessions
// holding it, and the mode each requested.
type refEntry struct {
	sessionModes map[string]domain.Mode
	currentMode  domain.Mode
	subscribed   bool
}

// Multiplexer owns the refcount table under single-writer discipline: all
// mutation flows through the queue drained by run(), per spec §5.
type Multiplexer struct {
	driver Driver
	logger zerolog.Logger

	queue chan item

	// refcount is only ever touched by the worker goroutine (run). Stats
	// reads take a snapshot under snapMu instead of reaching into this map.
	refcount map[domain.Pair]*refEntry

	snapMu sync.RWMutex
	snap   map[domain.Pair]int
	modes  map[domain.Pair]domain.Mode
}

func New(driver Driver, logger zerolog.Logger) *Multiplexer {
	m := &Multiplexer{
		driver:   driver,
		logger:   logger.With().Str("component", "multiplexer").Logger(),
		queue:    make(chan item, 4096),
		refcount: make(map[domain.Pair]*refEntry),
		snap:     make(map[domain.Pair]int),
		modes:    make(map[domain.Pair]domain.Mode),
	}
	return m
}

// Run drains the coalescing queue until stop is closed. One worker per
// process owns this loop (spec §5).
func (m *Multiplexer) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var batch []item
	flush := func() {
		if len(batch) == 0 {
			return
		}
		m.applyBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-stop:
			flush()
			return
		case it := <-m.queue:
			batch = append(batch, it)
			if len(batch) >= queueHighWater {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Subscribe enqueues a subscribe intent for a session (spec §4.6).
func (m *Multiplexer) Subscribe(sessionID string, pairs []domain.Pair, mode domain.Mode) {
	m.queue <- item{kind: opSubscribe, session: sessionID, pairs: pairs, mode: mode}
}

// Unsubscribe enqueues an unsubscribe intent.
func (m *Multiplexer) Unsubscribe(sessionID string, pairs []domain.Pair) {
	m.queue <- item{kind: opUnsubscribe, session: sessionID, pairs: pairs}
}

// SetMode enqueues a mode-change intent for tokens already subscribed by
// this session.
func (m *Multiplexer) SetMode(sessionID string, pairs []domain.Pair, mode domain.Mode) {
	m.queue <- item{kind: opSetMode, session: sessionID, pairs: pairs, mode: mode}
}

// Release enqueues removal of every contribution made by a session,
// called on client disconnect (spec §4.6).
func (m *Multiplexer) Release(sessionID string) {
	m.queue <- item{kind: opRelease, session: sessionID}
}

// applyBatch is the only place refcount is mutated — always on the worker
// goroutine, enforcing single-writer discipline (spec §5).
func (m *Multiplexer) applyBatch(batch []item) {
	type delta struct {
		pair          domain.Pair
		wasSubscribed bool
		prevMode      domain.Mode
	}
	touched := make(map[domain.Pair]delta)

	entryFor := func(p domain.Pair) *refEntry {
		e, ok := m.refcount[p]
		if !ok {
			e = &refEntry{sessionModes: make(map[string]domain.Mode)}
			m.refcount[p] = e
		}
		if _, seen := touched[p]; !seen {
			touched[p] = delta{pair: p, wasSubscribed: e.subscribed, prevMode: e.currentMode}
		}
		return e
	}

	for _, it := range batch {
		switch it.kind {
		case opSubscribe:
			for _, p := range it.pairs {
				e := entryFor(p)
				e.sessionModes[it.session] = domain.MaxMode(it.mode, e.sessionModes[it.session])
			}
		case opUnsubscribe:
			for _, p := range it.pairs {
				e := entryFor(p)
				delete(e.sessionModes, it.session)
			}
		case opSetMode:
			for _, p := range it.pairs {
				e := entryFor(p)
				if _, subscribed := e.sessionModes[it.session]; subscribed {
					e.sessionModes[it.session] = it.mode
				}
			}
		case opRelease:
			for p, e := range m.refcount {
				if _, ok := e.sessionModes[it.session]; ok {
					entryFor(p)
					delete(e.sessionModes, it.session)
				}
			}
		}
	}

	for p, d := range touched {
		e := m.refcount[p]
		newMode := highestMode(e.sessionModes)
		newCount := len(e.sessionModes)

		needSubscribe := (!d.wasSubscribed && newCount >= 1) || (newCount >= 1 && newMode > d.prevMode)
		needUnsubscribe := d.wasSubscribed && newCount == 0

		if needUnsubscribe {
			m.emit(p, 0, false)
			e.subscribed = false
			e.currentMode = domain.ModeLTP
			delete(m.refcount, p)
			continue
		}

		if newMode < d.prevMode && newCount >= 1 {
			// Mode downgrade: unsubscribe then resubscribe at the lower mode
			// in the same batch (spec §4.6).
			m.emit(p, 0, false)
			m.emit(p, newMode, true)
		} else if needSubscribe {
			m.emit(p, newMode, true)
		}

		e.subscribed = newCount >= 1
		e.currentMode = newMode
	}

	m.publishSnapshot()
}

func highestMode(sessionModes map[string]domain.Mode) domain.Mode {
	mode := domain.ModeLTP
	for _, m := range sessionModes {
		mode = domain.MaxMode(mode, m)
	}
	return mode
}

// emit sends a single subscribe/unsubscribe frame to C5, rate-limited by
// the caller's batch cadence. If the driver is disconnected, the refcount
// mutation above already happened — only the wire emission is skipped and
// logged, per spec §4.6's "queued_for_reconnect" failure semantics.
func (m *Multiplexer) emit(p domain.Pair, mode domain.Mode, subscribe bool) {
	if m.driver == nil || !m.driver.IsConnected() {
		m.logger.Debug().Str("pair", p.String()).Msg("queued_for_reconnect")
		return
	}
	var err error
	if subscribe {
		err = m.driver.Subscribe(p.Exchange, p.Token, mode)
	} else {
		err = m.driver.Unsubscribe(p.Exchange, p.Token)
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("pair", p.String()).Msg("failed to emit multiplexer frame to upstream driver")
	}
}

// Snapshot returns a point-in-time refcount-per-pair map for stats,
// without letting readers touch the live table (spec §5: "Readers (stats)
// copy under a short lock or snapshot").
func (m *Multiplexer) Snapshot() map[domain.Pair]int {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	out := make(map[domain.Pair]int, len(m.snap))
	for k, v := range m.snap {
		out[k] = v
	}
	return out
}

// Modes returns a point-in-time pair→current-mode map, consulted by the
// upstream driver's refcount source on reconnect to resubscribe every
// still-live pair at its correct mode (spec §4.5.2: "on reconnect, replay
// every currently-subscribed pair").
func (m *Multiplexer) Modes() map[domain.Pair]domain.Mode {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	out := make(map[domain.Pair]domain.Mode, len(m.modes))
	for k, v := range m.modes {
		out[k] = v
	}
	return out
}

func (m *Multiplexer) publishSnapshot() {
	snap := make(map[domain.Pair]int, len(m.refcount))
	modes := make(map[domain.Pair]domain.Mode, len(m.refcount))
	for p, e := range m.refcount {
		snap[p] = len(e.sessionModes)
		modes[p] = e.currentMode
	}
	m.snapMu.Lock()
	m.snap = snap
	m.modes = modes
	m.snapMu.Unlock()
}
