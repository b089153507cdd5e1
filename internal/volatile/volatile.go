// Package volatile is the TTL/counter store behind challenges, presence,
// live call state, push dedup, rate buckets, and the contact index. Redis in
// production, an in-process map in dev and tests.
package volatile

import (
	"context"
	"fmt"
	"time"
)

// Store is the volatile state contract. Keys expire; none of this state is
// authoritative beyond its TTL.
type Store interface {
	// Set writes a value with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// GetDel atomically reads and deletes; the consume primitive for challenges.
	GetDel(ctx context.Context, key string) ([]byte, bool, error)
	// SetNX writes only if the key is absent. Returns true when it wrote.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSet replaces the value only if the current value equals old.
	// Used for call state transitions to avoid double-consume.
	CompareAndSet(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error)
	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// Expire refreshes a key's TTL; returns false if the key is gone.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ScoreAdd upserts member into the scored set at key. Scores are expiry
	// timestamps in ms; expired members are pruned on read.
	ScoreAdd(ctx context.Context, key, member string, score int64) error
	// ScoreMembers returns members with score >= min, pruning the rest.
	ScoreMembers(ctx context.Context, key string, min int64) ([]string, error)

	// TakeToken runs one token-bucket check for key: lazy refill at
	// ratePerSec up to burst, then take one token. Atomic per key.
	TakeToken(ctx context.Context, key string, ratePerSec, burst float64, now time.Time) (bool, error)

	Close() error
}

// Key builders. The layout is shared by the redis and memory backends so
// operators can inspect live state by pattern.

func ChallengeKey(challengeID string) string { return "challenge:" + challengeID }

func PresenceKey(whisperID string) string { return "presence:" + whisperID }

func CallKey(callID string) string { return "call:" + callID }

func RateBucketKey(scope, key, frameType string) string {
	return fmt.Sprintf("ratebucket:%s:%s:%s", scope, key, frameType)
}

func PushDedupKey(whisperID, reason, correlationID string) string {
	return fmt.Sprintf("pushdedup:%s:%s:%s", whisperID, reason, correlationID)
}

func ContactsKey(whisperID string) string { return "contacts:" + whisperID }
