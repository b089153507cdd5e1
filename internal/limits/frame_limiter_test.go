package limits

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatihtunali/whisper2-sub005/internal/clock"
	"github.com/fatihtunali/whisper2-sub005/internal/volatile"
	"github.com/fatihtunali/whisper2-sub005/internal/wire"
)

func newFrameLimiter() (*FrameLimiter, *clock.Fake) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	store := volatile.NewMemory(clk)
	return NewFrameLimiter(store, clk, zerolog.Nop()), clk
}

func TestUserBucketDrainsBeforeIPBucket(t *testing.T) {
	fl, _ := newFrameLimiter()
	ctx := context.Background()

	// call_initiate: user burst 10, ip burst 20.
	for i := 0; i < 10; i++ {
		ok, err := fl.Allow(ctx, wire.TypeCallInitiate, "1.2.3.4", "WSP-A")
		require.NoError(t, err)
		require.True(t, ok, "burst call %d", i)
	}
	ok, err := fl.Allow(ctx, wire.TypeCallInitiate, "1.2.3.4", "WSP-A")
	require.NoError(t, err)
	assert.False(t, ok, "user bucket exhausted")

	// A different user behind the same IP still has IP budget left.
	ok, err = fl.Allow(ctx, wire.TypeCallInitiate, "1.2.3.4", "WSP-B")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRefillRestoresBudget(t *testing.T) {
	fl, clk := newFrameLimiter()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := fl.Allow(ctx, wire.TypeRegisterBegin, "9.9.9.9", "")
		require.NoError(t, err)
	}
	ok, err := fl.Allow(ctx, wire.TypeRegisterBegin, "9.9.9.9", "")
	require.NoError(t, err)
	require.False(t, ok)

	// register_begin refills at 5/min; 12s buys one token.
	clk.Advance(12 * time.Second)
	ok, err = fl.Allow(ctx, wire.TypeRegisterBegin, "9.9.9.9", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnknownTypeUsesFallback(t *testing.T) {
	fl, _ := newFrameLimiter()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		ok, err := fl.Allow(ctx, wire.TypeSessionRefresh, "5.5.5.5", "WSP-A")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := fl.Allow(ctx, wire.TypeSessionRefresh, "5.5.5.5", "WSP-A")
	require.NoError(t, err)
	assert.False(t, ok, "fallback burst is 20")
}

func TestUnauthenticatedSkipsUserBucket(t *testing.T) {
	fl, _ := newFrameLimiter()
	ctx := context.Background()

	// ping: both scopes burst 40. With no whisperId only the IP bucket counts.
	for i := 0; i < 40; i++ {
		ok, err := fl.Allow(ctx, wire.TypePing, "8.8.8.8", "")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := fl.Allow(ctx, wire.TypePing, "8.8.8.8", "")
	require.NoError(t, err)
	assert.False(t, ok)
}
