// Package kv implements C1, the shared key-value and pub/sub substrate.
// Availability is optional by contract: every operation returns a documented
// safe default when the backing store is unreachable, and no operation may
// throw past this package's boundary (spec §4.1).
package kv

import (
	"context"
	"sync"
	"time"
)

// Handler processes a message received on a subscribed channel.
type Handler func(channel string, payload []byte)

// KV is the degrade-safe contract every caller in this gateway programs
// against. Implementations: Memory (in-process fallback) and NATS (cross-
// instance, backed by JetStream KV + core pub/sub).
type KV interface {
	Get(ctx context.Context, key string) (value []byte, ok bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) (value []byte, ok bool)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) (unsubscribe func(), err error)

	IsAvailable() bool
	Close() error
}

// entry is a value plus its absolute expiry (zero means no expiry).
type entry struct {
	value   []byte
	expires time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Memory is the in-process degradation-mode implementation used when no
// external KV is reachable, or as the always-on local layer composed inside
// the NATS-backed implementation for counters that must never error out.
// No operation here ever fails: get on a missing or expired key reports
// none, incr on a missing key starts from 0 and returns 1, and set always
// succeeds.
type Memory struct {
	mu       sync.Mutex
	data     map[string]entry
	hashes   map[string]map[string][]byte
	subsMu   sync.RWMutex
	subs     map[string][]Handler
	subSeq   int
}

// NewMemory constructs an empty in-process KV.
func NewMemory() *Memory {
	return &Memory{
		data:   make(map[string]entry),
		hashes: make(map[string]map[string][]byte),
		subs:   make(map[string][]Handler),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, false
	}
	return e.value, true
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	var n int64
	if ok && !e.expired(time.Now()) {
		n = parseInt(e.value)
	}
	n++
	m.data[key] = entry{value: formatInt(n), expires: e.expires}
	return n, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.data[key]; ok {
		e.expires = time.Now().Add(ttl)
		m.data[key] = e
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) HSet(_ context.Context, key, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil, false
	}
	v, ok := h[field]
	return v, ok
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.subsMu.RLock()
	handlers := append([]Handler(nil), m.subs[channel]...)
	m.subsMu.RUnlock()
	for _, h := range handlers {
		if h != nil { // nil marks a handler removed by its unsubscribe func
			go h(channel, payload)
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string, handler Handler) (func(), error) {
	m.subsMu.Lock()
	m.subs[channel] = append(m.subs[channel], handler)
	idx := len(m.subs[channel]) - 1
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		list := m.subs[channel]
		if idx < len(list) {
			list[idx] = nil
		}
	}, nil
}

// IsAvailable always reports true: the in-process fallback is, by
// definition, always itself available.
func (m *Memory) IsAvailable() bool { return true }

func (m *Memory) Close() error { return nil }

func parseInt(b []byte) int64 {
	var n int64
	neg := false
	for i, c := range b {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

func formatInt(n int64) []byte {
	neg := n < 0
	if neg {
		n = -n
	}
	if n == 0 {
		return []byte("0")
	}
	var buf [20]byte
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
	return buf[i:]
}
