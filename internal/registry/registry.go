// Package registry tracks live connections and presence. It maps connection
// ids to outbound sinks and whisper ids to their connection set, and fans
// presence transitions out to recent contacts.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fatihtunali/whisper2-sub005/internal/clock"
	"github.com/fatihtunali/whisper2-sub005/internal/metrics"
	"github.com/fatihtunali/whisper2-sub005/internal/volatile"
	"github.com/fatihtunali/whisper2-sub005/internal/wire"
)

// Presence key TTL; refreshed on every inbound frame.
const presenceTTL = 60 * time.Second

// contactWindow is how long two parties count as contacts after exchanging
// a message.
const contactWindow = 30 * 24 * time.Hour

// Sink is the outbound half of a connection. Enqueue is non-blocking and
// returns false when the send queue is full; the gateway closes such
// connections.
type Sink interface {
	Enqueue(frame []byte) bool
	CloseWith(code int, reason string)
}

type entry struct {
	sink      Sink
	whisperID string // empty until bound
}

// Registry is safe for concurrent use. Single-active-device is enforced at
// registration time by session displacement; the whisperId → conns mapping
// still holds a set because both sockets are live for a moment during
// displacement.
type Registry struct {
	store  volatile.Store
	clk    clock.Clock
	logger zerolog.Logger

	mu     sync.RWMutex
	conns  map[string]*entry
	byUser map[string]map[string]struct{} // whisperID -> set of connIDs
}

func New(store volatile.Store, clk clock.Clock, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		clk:    clk,
		logger: logger.With().Str("component", "registry").Logger(),
		conns:  make(map[string]*entry),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Add registers an unauthenticated connection.
func (r *Registry) Add(connID string, sink Sink) {
	r.mu.Lock()
	r.conns[connID] = &entry{sink: sink}
	r.mu.Unlock()
}

// Bind associates a connection with an authenticated whisper id and marks
// the account online. Returns true when this is the account's first live
// connection (an offline→online transition).
func (r *Registry) Bind(ctx context.Context, connID, whisperID string) bool {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.whisperID = whisperID
	set, ok := r.byUser[whisperID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[whisperID] = set
	}
	first := len(set) == 0
	set[connID] = struct{}{}
	r.mu.Unlock()

	if err := r.store.Set(ctx, volatile.PresenceKey(whisperID), []byte("1"), presenceTTL); err != nil {
		r.logger.Warn().Err(err).Str("whisper_id", whisperID).Msg("presence set failed")
	}
	if first {
		r.broadcastPresence(ctx, whisperID, "online", 0)
	}
	return first
}

// Remove drops a connection. When it was the account's last live connection,
// presence flips to offline and recent contacts are notified.
func (r *Registry) Remove(ctx context.Context, connID string) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	whisperID := e.whisperID
	last := false
	if whisperID != "" {
		set := r.byUser[whisperID]
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, whisperID)
			last = true
		}
	}
	r.mu.Unlock()

	if last {
		lastSeen := clock.Millis(r.clk.Now())
		if err := r.store.Delete(ctx, volatile.PresenceKey(whisperID)); err != nil {
			r.logger.Warn().Err(err).Str("whisper_id", whisperID).Msg("presence delete failed")
		}
		r.broadcastPresence(ctx, whisperID, "offline", lastSeen)
	}
}

// Heartbeat refreshes the presence TTL. Called on every authed inbound frame.
func (r *Registry) Heartbeat(ctx context.Context, whisperID string) {
	ok, err := r.store.Expire(ctx, volatile.PresenceKey(whisperID), presenceTTL)
	if err != nil {
		r.logger.Warn().Err(err).Str("whisper_id", whisperID).Msg("presence refresh failed")
		return
	}
	if !ok {
		// Key lapsed between frames; re-create it.
		_ = r.store.Set(ctx, volatile.PresenceKey(whisperID), []byte("1"), presenceTTL)
	}
}

// SendTo enqueues a frame on every live connection of whisperID. Returns
// true when at least one connection took it.
func (r *Registry) SendTo(whisperID string, frame []byte) bool {
	r.mu.RLock()
	var sinks []Sink
	for connID := range r.byUser[whisperID] {
		if e, ok := r.conns[connID]; ok {
			sinks = append(sinks, e.sink)
		}
	}
	r.mu.RUnlock()

	delivered := false
	for _, s := range sinks {
		if s.Enqueue(frame) {
			delivered = true
		}
	}
	return delivered
}

// CloseUser force-closes every live connection of whisperID.
func (r *Registry) CloseUser(whisperID string, code int, reason string) {
	r.mu.RLock()
	var sinks []Sink
	for connID := range r.byUser[whisperID] {
		if e, ok := r.conns[connID]; ok {
			sinks = append(sinks, e.sink)
		}
	}
	r.mu.RUnlock()

	for _, s := range sinks {
		s.CloseWith(code, reason)
	}
}

// IsLive reports whether whisperID has at least one live connection here.
func (r *Registry) IsLive(whisperID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[whisperID]) > 0
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RecordContact marks a and b as recent contacts of each other, extending
// the window that entitles them to each other's presence transitions.
func (r *Registry) RecordContact(ctx context.Context, a, b string) {
	expiry := clock.Millis(r.clk.Now().Add(contactWindow))
	if err := r.store.ScoreAdd(ctx, volatile.ContactsKey(a), b, expiry); err != nil {
		r.logger.Warn().Err(err).Msg("contact index update failed")
		return
	}
	if err := r.store.ScoreAdd(ctx, volatile.ContactsKey(b), a, expiry); err != nil {
		r.logger.Warn().Err(err).Msg("contact index update failed")
	}
}

func (r *Registry) broadcastPresence(ctx context.Context, whisperID, status string, lastSeen int64) {
	contacts, err := r.store.ScoreMembers(ctx, volatile.ContactsKey(whisperID), clock.Millis(r.clk.Now()))
	if err != nil {
		r.logger.Warn().Err(err).Str("whisper_id", whisperID).Msg("contact lookup failed")
		return
	}
	if len(contacts) == 0 {
		return
	}
	frame, err := wire.Marshal(wire.TypePresenceUpdate, "", wire.PresenceUpdate{
		WhisperID: whisperID,
		Status:    status,
		LastSeen:  lastSeen,
	})
	if err != nil {
		return
	}
	sent := 0
	for _, contact := range contacts {
		if r.SendTo(contact, frame) {
			sent++
		}
	}
	metrics.FramesOut.WithLabelValues(wire.TypePresenceUpdate).Add(float64(sent))
	r.logger.Debug().
		Str("whisper_id", whisperID).
		Str("status", status).
		Int("contacts", len(contacts)).
		Int("delivered", sent).
		Msg("presence broadcast")
}
