// Package auth implements registration, session lifecycle, and push token
// upkeep. Registration is a challenge/response proof of possession of the
// client's Ed25519 signing key; sessions are opaque bearer tokens with a
// seven-day lifetime and single-active-device displacement.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fatihtunali/whisper2-sub005/internal/clock"
	"github.com/fatihtunali/whisper2-sub005/internal/identity"
	"github.com/fatihtunali/whisper2-sub005/internal/registry"
	"github.com/fatihtunali/whisper2-sub005/internal/store"
	"github.com/fatihtunali/whisper2-sub005/internal/volatile"
	"github.com/fatihtunali/whisper2-sub005/internal/wire"
)

const (
	challengeTTL   = 60 * time.Second
	challengeBytes = 32
	sessionTTL     = 7 * 24 * time.Hour

	// deriveAttempts bounds the collision retry loop. With 2^50 id space a
	// second attempt is already vanishingly rare.
	deriveAttempts = 16
)

// Service carries the auth flows. The registry is used to fan force_logout
// frames to displaced connections.
type Service struct {
	durable  store.DurableStore
	volatile volatile.Store
	reg      *registry.Registry
	clk      clock.Clock
	logger   zerolog.Logger
}

func NewService(durable store.DurableStore, vol volatile.Store, reg *registry.Registry, clk clock.Clock, logger zerolog.Logger) *Service {
	return &Service{
		durable:  durable,
		volatile: vol,
		reg:      reg,
		clk:      clk,
		logger:   logger.With().Str("component", "auth").Logger(),
	}
}

// RegisterBegin issues a fresh challenge. On the recovery path the presented
// whisperId must already exist.
func (s *Service) RegisterBegin(ctx context.Context, p *wire.RegisterBegin) (*wire.RegisterChallenge, error) {
	if p.WhisperID != "" {
		if _, err := s.durable.GetAccount(ctx, p.WhisperID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, wire.Errf(wire.CodeNotFound, "unknown whisperId")
			}
			return nil, err
		}
	}

	raw := make([]byte, challengeBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	challengeID := uuid.NewString()
	if err := s.volatile.Set(ctx, volatile.ChallengeKey(challengeID), raw, challengeTTL); err != nil {
		return nil, err
	}

	expiresAt := s.clk.Now().Add(challengeTTL)
	s.logger.Debug().Str("challenge_id", challengeID).Msg("challenge issued")
	return &wire.RegisterChallenge{
		ChallengeID: challengeID,
		Challenge:   wire.B64(raw),
		ExpiresAt:   clock.Millis(expiresAt),
	}, nil
}

// RegisterProof consumes the challenge, verifies the signature, provisions or
// recovers the account, displaces prior sessions, and mints a new one.
func (s *Service) RegisterProof(ctx context.Context, p *wire.RegisterProof) (*wire.RegisterAck, error) {
	// GetDel makes double-use impossible: the second presenter finds nothing.
	challenge, ok, err := s.volatile.GetDel(ctx, volatile.ChallengeKey(p.ChallengeID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, wire.Errf(wire.CodeInvalidPayload, "challenge expired or already used")
	}

	signKey, err := wire.DecodeB64(p.SignPublicKey)
	if err != nil {
		return nil, wire.Errf(wire.CodeInvalidPayload, "bad signPublicKey encoding")
	}
	encKey, err := wire.DecodeB64(p.EncPublicKey)
	if err != nil {
		return nil, wire.Errf(wire.CodeInvalidPayload, "bad encPublicKey encoding")
	}
	sig, err := wire.DecodeB64(p.Signature)
	if err != nil {
		return nil, wire.Errf(wire.CodeInvalidPayload, "bad signature encoding")
	}
	if !wire.VerifyChallenge(signKey, challenge, sig) {
		return nil, wire.Errf(wire.CodeAuthFailed, "challenge signature mismatch")
	}

	whisperID, err := s.resolveWhisperID(ctx, p.WhisperID, signKey)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	token := newToken()
	expiresAt := now.Add(sessionTTL)
	displaced, err := s.durable.RegisterDevice(ctx, store.RegisterParams{
		Account: store.Account{
			WhisperID:     whisperID,
			EncPublicKey:  encKey,
			SignPublicKey: signKey,
			CreatedAt:     now,
			Status:        store.AccountActive,
		},
		Session: store.Session{
			Token:     token,
			WhisperID: whisperID,
			DeviceID:  p.DeviceID,
			Platform:  p.Platform,
			CreatedAt: now,
			ExpiresAt: expiresAt,
		},
		Push: store.PushTarget{
			WhisperID: whisperID,
			DeviceID:  p.DeviceID,
			Platform:  p.Platform,
			PushToken: p.PushToken,
			VoipToken: p.VoipToken,
			UpdatedAt: now,
		},
	})
	if err != nil {
		if errors.Is(err, store.ErrKeyMismatch) {
			return nil, wire.Errf(wire.CodeAuthFailed, "keys do not match the account")
		}
		return nil, err
	}

	if len(displaced) > 0 {
		// The write pump drains the queue before the close frame, so the
		// displaced device sees force_logout and then a normal close.
		frame, _ := wire.Marshal(wire.TypeForceLogout, "", wire.ForceLogout{Reason: "new_device"})
		s.reg.SendTo(whisperID, frame)
		s.reg.CloseUser(whisperID, wire.CloseNormal, "displaced by new device")
		s.logger.Info().
			Str("whisper_id", whisperID).
			Int("displaced", len(displaced)).
			Msg("prior sessions displaced")
	}

	s.logger.Info().Str("whisper_id", whisperID).Str("platform", p.Platform).Msg("device registered")
	return &wire.RegisterAck{
		Success:          true,
		WhisperID:        whisperID,
		SessionToken:     token,
		SessionExpiresAt: clock.Millis(expiresAt),
		ServerTime:       clock.Millis(now),
	}, nil
}

// resolveWhisperID binds the proof to an identity. Recovery requires the
// claimed id to own the presented signing key; fresh registrations derive
// the id from the key, retrying with the extension stream on collision.
func (s *Service) resolveWhisperID(ctx context.Context, claimed string, signKey []byte) (string, error) {
	if claimed != "" {
		acct, err := s.durable.GetAccount(ctx, claimed)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", wire.Errf(wire.CodeNotFound, "unknown whisperId")
			}
			return "", err
		}
		if string(acct.SignPublicKey) != string(signKey) {
			return "", wire.Errf(wire.CodeAuthFailed, "whisperId is bound to a different key")
		}
		return claimed, nil
	}

	// The same key always derives the same id, so re-registration without a
	// claimed id lands on the existing account.
	if acct, err := s.durable.GetAccountBySignKey(ctx, signKey); err == nil {
		return acct.WhisperID, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	for attempt := 0; attempt < deriveAttempts; attempt++ {
		id := identity.DeriveAttempt(signKey, attempt)
		_, err := s.durable.GetAccount(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", err
		}
		// Occupied by a different key; extend and retry.
	}
	return "", wire.Errf(wire.CodeInternalError, "identity derivation exhausted")
}

// RefreshSession rotates the token. Proof of the current token is enough to
// rotate at any point in its lifetime; expiry extends by the full TTL.
func (s *Service) RefreshSession(ctx context.Context, token string) (*wire.SessionRefreshAck, error) {
	sess, err := s.validLiveSession(ctx, token)
	if err != nil {
		return nil, err
	}
	now := s.clk.Now()
	newTok := newToken()
	expiresAt := now.Add(sessionTTL)
	if _, err := s.durable.RotateSession(ctx, sess.Token, newTok, expiresAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, wire.Errf(wire.CodeAuthFailed, "session gone")
		}
		return nil, err
	}
	s.logger.Debug().Str("whisper_id", sess.WhisperID).Msg("session rotated")
	return &wire.SessionRefreshAck{
		SessionToken:     newTok,
		SessionExpiresAt: clock.Millis(expiresAt),
		ServerTime:       clock.Millis(now),
	}, nil
}

// Logout destroys the session. Missing sessions are not an error; logout is
// idempotent.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.durable.DeleteSession(ctx, token)
}

// UpdateTokens upserts the device's push routing state.
func (s *Service) UpdateTokens(ctx context.Context, whisperID string, p *wire.UpdateTokens) error {
	return s.durable.UpsertPushTarget(ctx, store.PushTarget{
		WhisperID: whisperID,
		DeviceID:  p.DeviceID,
		Platform:  "", // preserved by the upsert when empty
		PushToken: p.PushToken,
		VoipToken: p.VoipToken,
		UpdatedAt: s.clk.Now(),
	})
}

// ValidateSession resolves a bearer token to a live session, or a typed
// auth failure. Used by the gateway's auth gate.
func (s *Service) ValidateSession(ctx context.Context, token string) (*store.Session, error) {
	return s.validLiveSession(ctx, token)
}

func (s *Service) validLiveSession(ctx context.Context, token string) (*store.Session, error) {
	if token == "" {
		return nil, wire.Errf(wire.CodeNotRegistered, "no session token")
	}
	sess, err := s.durable.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, wire.Errf(wire.CodeNotRegistered, "unknown session")
		}
		return nil, err
	}
	if !sess.ExpiresAt.After(s.clk.Now()) {
		return nil, wire.Errf(wire.CodeAuthFailed, "session expired")
	}
	acct, err := s.durable.GetAccount(ctx, sess.WhisperID)
	if err != nil {
		return nil, err
	}
	if acct.Status == store.AccountBanned {
		return nil, wire.Errf(wire.CodeUserBanned, "account banned")
	}
	return sess, nil
}

// SweepExpiredSessions drops sessions past their expiry. Run periodically
// from the bootstrap.
func (s *Service) SweepExpiredSessions(ctx context.Context) {
	n, err := s.durable.DeleteExpiredSessions(ctx, s.clk.Now())
	if err != nil {
		s.logger.Warn().Err(err).Msg("session sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("removed", n).Msg("expired sessions swept")
	}
}

func newToken() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand failure is unrecoverable for token minting.
		panic(err)
	}
	return hex.EncodeToString(raw)
}
