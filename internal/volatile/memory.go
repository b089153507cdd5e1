package volatile

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/fatihtunali/whisper2-sub005/internal/clock"
)

// Memory is the in-process Store used in dev mode and tests. Expiry is
// evaluated lazily against the injected clock, so tests can advance time
// without sleeping.
type Memory struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]memEntry
	scored  map[string]map[string]int64
	buckets map[string]*memBucket
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type memBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewMemory builds an in-process store on the given clock.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.System{}
	}
	return &Memory{
		clock:   clk,
		entries: make(map[string]memEntry),
		scored:  make(map[string]map[string]int64),
		buckets: make(map[string]*memBucket),
	}
}

func (m *Memory) live(key string) ([]byte, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

func (m *Memory) put(key string, value []byte, ttl time.Duration) {
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	}
	m.entries[key] = e
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(key, value, ttl)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.live(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) GetDel(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.live(key)
	if !ok {
		return nil, false, nil
	}
	delete(m.entries, key)
	return v, true, nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.put(key, value, ttl)
	return true, nil
}

func (m *Memory) CompareAndSet(_ context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.live(key)
	if !ok || !bytes.Equal(v, old) {
		return false, nil
	}
	m.put(key, new, ttl)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.live(key)
	if !ok {
		return false, nil
	}
	m.put(key, v, ttl)
	return true, nil
}

func (m *Memory) ScoreAdd(_ context.Context, key, member string, score int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.scored[key]
	if !ok {
		set = make(map[string]int64)
		m.scored[key] = set
	}
	set[member] = score
	return nil
}

func (m *Memory) ScoreMembers(_ context.Context, key string, min int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.scored[key]
	var out []string
	for member, score := range set {
		if score < min {
			delete(set, member)
			continue
		}
		out = append(out, member)
	}
	return out, nil
}

func (m *Memory) TakeToken(_ context.Context, key string, ratePerSec, burst float64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		b = &memBucket{tokens: burst, lastRefill: now}
		m.buckets[key] = b
	}
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens += ratePerSec * elapsed.Seconds()
		if b.tokens > burst {
			b.tokens = burst
		}
		b.lastRefill = now
	}
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

func (m *Memory) Close() error { return nil }
