// Package limits holds admission control: per-frame token buckets, the
// per-IP connection limiter, and the resource guard.
package limits

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fatihtunali/whisper2-sub005/internal/clock"
	"github.com/fatihtunali/whisper2-sub005/internal/metrics"
	"github.com/fatihtunali/whisper2-sub005/internal/volatile"
	"github.com/fatihtunali/whisper2-sub005/internal/wire"
)

// Rate limiting scopes.
const (
	ScopeIP   = "ip"
	ScopeUser = "user"
)

// Policy is one frame type's bucket shape. Zero rate means the scope is not
// limited for this type.
type Policy struct {
	IPRate    float64 // tokens per second
	IPBurst   float64
	UserRate  float64
	UserBurst float64
}

// Default per-type policies. Buckets refill lazily on check; state lives in
// the volatile store so every gateway process shares one view.
var defaultPolicies = map[string]Policy{
	wire.TypeRegisterBegin: {IPRate: 5.0 / 60, IPBurst: 10},
	wire.TypeRegisterProof: {IPRate: 5.0 / 60, IPBurst: 10},

	wire.TypeSendMessage:      {IPRate: 60, IPBurst: 120, UserRate: 30, UserBurst: 60},
	wire.TypeGroupSendMessage: {IPRate: 60, IPBurst: 120, UserRate: 30, UserBurst: 60},

	wire.TypeDeliveryReceipt: {IPRate: 120, IPBurst: 240, UserRate: 60, UserBurst: 120},
	wire.TypeFetchPending:    {IPRate: 120, IPBurst: 240, UserRate: 60, UserBurst: 120},

	wire.TypeCallInitiate:     {IPRate: 10, IPBurst: 20, UserRate: 5, UserBurst: 10},
	wire.TypeCallRinging:      {IPRate: 10, IPBurst: 20, UserRate: 5, UserBurst: 10},
	wire.TypeCallAnswer:       {IPRate: 10, IPBurst: 20, UserRate: 5, UserBurst: 10},
	wire.TypeCallIceCandidate: {IPRate: 10, IPBurst: 20, UserRate: 5, UserBurst: 10},
	wire.TypeCallEnd:          {IPRate: 10, IPBurst: 20, UserRate: 5, UserBurst: 10},

	wire.TypeTyping: {IPRate: 20, IPBurst: 40, UserRate: 20, UserBurst: 40},
	wire.TypePing:   {IPRate: 20, IPBurst: 40, UserRate: 20, UserBurst: 40},
}

// fallbackPolicy covers control frames without an explicit row
// (session_refresh, logout, update_tokens, group management).
var fallbackPolicy = Policy{IPRate: 10, IPBurst: 20, UserRate: 10, UserBurst: 20}

// FrameLimiter runs the composite (IP bucket + user bucket) check for each
// inbound frame. Denial on either bucket is authoritative.
type FrameLimiter struct {
	store    volatile.Store
	clk      clock.Clock
	policies map[string]Policy
	logger   zerolog.Logger
}

func NewFrameLimiter(store volatile.Store, clk clock.Clock, logger zerolog.Logger) *FrameLimiter {
	return &FrameLimiter{
		store:    store,
		clk:      clk,
		policies: defaultPolicies,
		logger:   logger.With().Str("component", "frame_limiter").Logger(),
	}
}

// Allow checks the buckets for frameType. whisperID is empty on the
// unauthenticated path; only the IP bucket applies then.
func (fl *FrameLimiter) Allow(ctx context.Context, frameType, ip, whisperID string) (bool, error) {
	pol, ok := fl.policies[frameType]
	if !ok {
		pol = fallbackPolicy
	}
	now := fl.clk.Now()

	if pol.IPRate > 0 && ip != "" {
		ok, err := fl.store.TakeToken(ctx, volatile.RateBucketKey(ScopeIP, ip, frameType), pol.IPRate, pol.IPBurst, now)
		if err != nil {
			return false, err
		}
		if !ok {
			metrics.RateLimited.WithLabelValues(ScopeIP, frameType).Inc()
			fl.logger.Debug().Str("type", frameType).Str("ip", ip).Msg("frame denied by ip bucket")
			return false, nil
		}
	}

	if pol.UserRate > 0 && whisperID != "" {
		ok, err := fl.store.TakeToken(ctx, volatile.RateBucketKey(ScopeUser, whisperID, frameType), pol.UserRate, pol.UserBurst, now)
		if err != nil {
			return false, err
		}
		if !ok {
			metrics.RateLimited.WithLabelValues(ScopeUser, frameType).Inc()
			fl.logger.Debug().Str("type", frameType).Str("whisper_id", whisperID).Msg("frame denied by user bucket")
			return false, nil
		}
	}

	return true, nil
}
