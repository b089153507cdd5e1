// Package call runs the signaling state machine between exactly two parties.
// The server relays opaque signed payloads, tracks call state in the volatile
// store with compare-and-set transitions, and ends unanswered calls after a
// fixed timeout.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/fatihtunali/whisper2-sub005/internal/clock"
	"github.com/fatihtunali/whisper2-sub005/internal/metrics"
	"github.com/fatihtunali/whisper2-sub005/internal/push"
	"github.com/fatihtunali/whisper2-sub005/internal/registry"
	"github.com/fatihtunali/whisper2-sub005/internal/router"
	"github.com/fatihtunali/whisper2-sub005/internal/store"
	"github.com/fatihtunali/whisper2-sub005/internal/volatile"
	"github.com/fatihtunali/whisper2-sub005/internal/wire"
)

// CallTimeout ends any call that has not reached a terminal state.
const CallTimeout = 180 * time.Second

// Service handles the call_* frames and TURN credential minting.
type Service struct {
	durable store.DurableStore
	vol     volatile.Store
	reg     *registry.Registry
	rt      *router.Router
	waker   router.Waker
	clk     clock.Clock
	turn    TurnMinter
	timers  *timerWheel
	logger  zerolog.Logger
}

func NewService(durable store.DurableStore, vol volatile.Store, reg *registry.Registry, rt *router.Router, waker router.Waker, clk clock.Clock, turn TurnMinter, logger zerolog.Logger) *Service {
	s := &Service{
		durable: durable,
		vol:     vol,
		reg:     reg,
		rt:      rt,
		waker:   waker,
		clk:     clk,
		turn:    turn,
		logger:  logger.With().Str("component", "call").Logger(),
	}
	s.timers = newTimerWheel(clk, s.fireTimeout)
	return s
}

// Close stops the timeout wheel.
func (s *Service) Close() {
	s.timers.stop()
}

// Initiate starts a call. The caller's signed offer rides in the payload's
// nonce/ciphertext and is relayed verbatim as call_incoming.
func (s *Service) Initiate(ctx context.Context, actor string, p *wire.CallSignal) error {
	if p.From != actor {
		return wire.Errf(wire.CodeForbidden, "from does not match session")
	}
	if err := s.verify(ctx, actor, wire.TypeCallInitiate, p); err != nil {
		return err
	}
	if _, err := s.durable.GetAccount(ctx, p.To); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return wire.Errf(wire.CodeRecipientNotFound, "no such callee")
		}
		return err
	}
	if _, err := s.durable.ActiveCallBetween(ctx, actor, p.To); err == nil {
		return wire.Errf(wire.CodeForbidden, "busy: call already in progress with this party")
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	now := s.clk.Now()
	err := s.durable.InsertCall(ctx, store.Call{
		CallID:    p.CallID,
		CallerID:  actor,
		CalleeID:  p.To,
		State:     store.CallInitiated,
		IsVideo:   p.IsVideo,
		CreatedAt: now,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return wire.Errf(wire.CodeInvalidPayload, "callId already in use")
	}
	if err != nil {
		return err
	}
	// Live state mirror; its TTL doubles as a backstop for the timer.
	if err := s.vol.Set(ctx, volatile.CallKey(p.CallID), []byte(store.CallInitiated), CallTimeout); err != nil {
		return err
	}
	s.timers.schedule(p.CallID, now.Add(CallTimeout))
	metrics.CallsActive.Inc()

	frame, err := wire.Marshal(wire.TypeCallIncoming, "", relayBody(p, actor))
	if err != nil {
		return err
	}
	if !s.reg.SendTo(p.To, frame) {
		wakeErr := s.waker.Wake(ctx, push.WakeRequest{
			WhisperID:     p.To,
			Reason:        push.ReasonCall,
			CorrelationID: p.CallID,
			CallID:        p.CallID,
			From:          actor,
			CallerName:    p.CallerName,
			IsVideo:       p.IsVideo,
		})
		if wakeErr != nil {
			s.logger.Warn().Err(wakeErr).Str("call_id", p.CallID).Msg("call wake failed")
		}
	}
	s.logger.Info().Str("call_id", p.CallID).Str("caller", actor).Str("callee", p.To).Bool("video", p.IsVideo).Msg("call initiated")
	return nil
}

// Ringing relays the callee's ringing indication to the caller.
func (s *Service) Ringing(ctx context.Context, actor string, p *wire.CallSignal) error {
	c, err := s.loadCallFor(ctx, p.CallID, actor)
	if err != nil {
		return err
	}
	if actor != c.CalleeID {
		return wire.Errf(wire.CodeForbidden, "only the callee rings")
	}
	if err := s.verify(ctx, actor, wire.TypeCallRinging, p); err != nil {
		return err
	}

	swapped, err := s.vol.CompareAndSet(ctx, volatile.CallKey(p.CallID),
		[]byte(store.CallInitiated), []byte(store.CallRinging), CallTimeout)
	if err != nil {
		return err
	}
	if !swapped {
		return wire.Errf(wire.CodeInvalidPayload, "call is not awaiting ring")
	}
	if err := s.durable.MarkCallRinging(ctx, p.CallID); err != nil {
		s.logger.Warn().Err(err).Str("call_id", p.CallID).Msg("mark ringing failed")
	}

	return s.relayTo(c.CallerID, wire.TypeCallRinging, p, actor)
}

// Answer moves the call to answered and relays the answer to the caller.
func (s *Service) Answer(ctx context.Context, actor string, p *wire.CallSignal) error {
	c, err := s.loadCallFor(ctx, p.CallID, actor)
	if err != nil {
		return err
	}
	if actor != c.CalleeID {
		return wire.Errf(wire.CodeForbidden, "only the callee answers")
	}
	if err := s.verify(ctx, actor, wire.TypeCallAnswer, p); err != nil {
		return err
	}

	swapped, err := s.vol.CompareAndSet(ctx, volatile.CallKey(p.CallID),
		[]byte(store.CallInitiated), []byte(store.CallAnswered), CallTimeout)
	if err != nil {
		return err
	}
	if !swapped {
		swapped, err = s.vol.CompareAndSet(ctx, volatile.CallKey(p.CallID),
			[]byte(store.CallRinging), []byte(store.CallAnswered), CallTimeout)
		if err != nil {
			return err
		}
	}
	if !swapped {
		return wire.Errf(wire.CodeInvalidPayload, "call is not answerable")
	}
	if err := s.durable.MarkCallAnswered(ctx, p.CallID, s.clk.Now()); err != nil {
		s.logger.Warn().Err(err).Str("call_id", p.CallID).Msg("mark answered failed")
	}
	// An answered call no longer times out.
	s.timers.cancel(p.CallID)

	return s.relayTo(c.CallerID, wire.TypeCallAnswer, p, actor)
}

// IceCandidate relays an encrypted ICE candidate to the peer.
func (s *Service) IceCandidate(ctx context.Context, actor string, p *wire.CallSignal) error {
	c, err := s.loadCallFor(ctx, p.CallID, actor)
	if err != nil {
		return err
	}
	if err := s.verify(ctx, actor, wire.TypeCallIceCandidate, p); err != nil {
		return err
	}
	state, ok, err := s.vol.Get(ctx, volatile.CallKey(p.CallID))
	if err != nil {
		return err
	}
	if !ok || string(state) == store.CallEnded {
		return wire.Errf(wire.CodeInvalidPayload, "call has ended")
	}
	return s.relayTo(peerOf(c, actor), wire.TypeCallIceCandidate, p, actor)
}

// End terminates the call with the actor's reason and notifies the peer.
func (s *Service) End(ctx context.Context, actor string, p *wire.CallSignal) error {
	c, err := s.loadCallFor(ctx, p.CallID, actor)
	if err != nil {
		return err
	}
	if err := s.verify(ctx, actor, wire.TypeCallEnd, p); err != nil {
		return err
	}

	reason := p.Reason
	if reason == "" {
		reason = "ended"
	}
	if err := s.endCall(ctx, c, reason); err != nil {
		return err
	}
	return s.relayTo(peerOf(c, actor), wire.TypeCallEnd, p, actor)
}

// TurnCredentials mints time-bound TURN credentials for the caller.
func (s *Service) TurnCredentials(_ context.Context, whisperID string) (*wire.TurnCredentials, error) {
	return s.turn.Mint(whisperID, s.clk.Now())
}

// endCall performs the terminal transition once; later attempts are no-ops.
func (s *Service) endCall(ctx context.Context, c *store.Call, reason string) error {
	if err := s.durable.EndCall(ctx, c.CallID, s.clk.Now(), reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // already terminal
		}
		return err
	}
	if err := s.vol.Set(ctx, volatile.CallKey(c.CallID), []byte(store.CallEnded), time.Minute); err != nil {
		s.logger.Warn().Err(err).Str("call_id", c.CallID).Msg("call state mirror failed")
	}
	s.timers.cancel(c.CallID)
	metrics.CallsActive.Dec()
	metrics.CallsEnded.WithLabelValues(reason).Inc()
	s.logger.Info().Str("call_id", c.CallID).Str("reason", reason).Msg("call ended")
	return nil
}

// fireTimeout runs on the wheel goroutine when a deadline lapses.
func (s *Service) fireTimeout(callID string) {
	ctx := context.Background()
	c, err := s.durable.GetCall(ctx, callID)
	if err != nil {
		return
	}
	if c.State == store.CallEnded {
		return
	}
	if err := s.endCall(ctx, c, "timeout"); err != nil {
		s.logger.Warn().Err(err).Str("call_id", callID).Msg("timeout transition failed")
		return
	}
	frame, err := wire.Marshal(wire.TypeCallEnd, "", wire.CallRelay{
		CallID: callID,
		From:   "server",
		Reason: "timeout",
	})
	if err != nil {
		return
	}
	s.reg.SendTo(c.CallerID, frame)
	s.reg.SendTo(c.CalleeID, frame)
}

func (s *Service) loadCallFor(ctx context.Context, callID, actor string) (*store.Call, error) {
	c, err := s.durable.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, wire.Errf(wire.CodeNotFound, "no such call")
		}
		return nil, err
	}
	if actor != c.CallerID && actor != c.CalleeID {
		return nil, wire.Errf(wire.CodeForbidden, "not a party to this call")
	}
	return c, nil
}

// verify checks the actor's signature over the canonical string with the
// callId in the messageId position.
func (s *Service) verify(ctx context.Context, actor, frameType string, p *wire.CallSignal) error {
	if p.From != actor {
		return wire.Errf(wire.CodeForbidden, "from does not match session")
	}
	return s.rt.VerifyEnvelope(ctx, actor, frameType, p.CallID, p.From, p.To,
		p.Timestamp, p.Nonce, p.Ciphertext, p.Sig)
}

func (s *Service) relayTo(target, frameType string, p *wire.CallSignal, actor string) error {
	frame, err := wire.Marshal(frameType, "", relayBody(p, actor))
	if err != nil {
		return err
	}
	s.reg.SendTo(target, frame)
	metrics.FramesOut.WithLabelValues(frameType).Inc()
	return nil
}

func relayBody(p *wire.CallSignal, actor string) wire.CallRelay {
	return wire.CallRelay{
		CallID:     p.CallID,
		From:       actor,
		To:         p.To,
		IsVideo:    p.IsVideo,
		Timestamp:  p.Timestamp,
		Nonce:      p.Nonce,
		Ciphertext: p.Ciphertext,
		Sig:        p.Sig,
		Reason:     p.Reason,
		CallerName: p.CallerName,
	}
}

func peerOf(c *store.Call, actor string) string {
	if actor == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}
