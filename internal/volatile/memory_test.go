package volatile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatihtunali/whisper2-sub005/internal/clock"
)

func newTestStore() (*Memory, *clock.Fake) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	return NewMemory(clk), clk
}

func TestSetGetExpiry(t *testing.T) {
	m, clk := newTestStore()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	clk.Advance(61 * time.Second)
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "key must expire after its TTL")
}

func TestGetDelConsumesOnce(t *testing.T) {
	m, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "challenge:c1", []byte("bytes"), time.Minute))
	v, ok, err := m.GetDel(ctx, "challenge:c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("bytes"), v)

	_, ok, err = m.GetDel(ctx, "challenge:c1")
	require.NoError(t, err)
	assert.False(t, ok, "second consume must fail")
}

func TestSetNX(t *testing.T) {
	m, clk := newTestStore()
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "dedup", []byte("1"), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "dedup", []byte("1"), 2*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate within TTL must be suppressed")

	clk.Advance(3 * time.Second)
	ok, err = m.SetNX(ctx, "dedup", []byte("1"), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "after TTL the key is free again")
}

func TestCompareAndSet(t *testing.T) {
	m, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "call:k1", []byte("initiated"), time.Minute))

	ok, err := m.CompareAndSet(ctx, "call:k1", []byte("ringing"), []byte("answered"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "stale expectation must not swap")

	ok, err = m.CompareAndSet(ctx, "call:k1", []byte("initiated"), []byte("ringing"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	v, _, _ := m.Get(ctx, "call:k1")
	assert.Equal(t, []byte("ringing"), v)
}

func TestExpireRefreshesTTL(t *testing.T) {
	m, clk := newTestStore()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "presence:w", []byte("1"), time.Minute))
	clk.Advance(50 * time.Second)
	ok, err := m.Expire(ctx, "presence:w", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(50 * time.Second)
	_, present, _ := m.Get(ctx, "presence:w")
	assert.True(t, present, "refresh must extend the TTL")

	ok, _ = m.Expire(ctx, "missing", time.Minute)
	assert.False(t, ok)
}

func TestScoredSetPrunes(t *testing.T) {
	m, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, m.ScoreAdd(ctx, "contacts:a", "b", 100))
	require.NoError(t, m.ScoreAdd(ctx, "contacts:a", "c", 200))

	members, err := m.ScoreMembers(ctx, "contacts:a", 150)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, members)

	// "b" was pruned by the previous read.
	members, err = m.ScoreMembers(ctx, "contacts:a", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, members)
}

func TestTakeTokenRefill(t *testing.T) {
	m, clk := newTestStore()
	ctx := context.Background()

	// burst 2, 1/sec sustained
	for i := 0; i < 2; i++ {
		ok, err := m.TakeToken(ctx, "b", 1, 2, clk.Now())
		require.NoError(t, err)
		assert.True(t, ok, "burst token %d", i)
	}
	ok, err := m.TakeToken(ctx, "b", 1, 2, clk.Now())
	require.NoError(t, err)
	assert.False(t, ok, "bucket drained")

	clk.Advance(1 * time.Second)
	ok, err = m.TakeToken(ctx, "b", 1, 2, clk.Now())
	require.NoError(t, err)
	assert.True(t, ok, "one token refilled after 1s")

	ok, _ = m.TakeToken(ctx, "b", 1, 2, clk.Now())
	assert.False(t, ok)
}
