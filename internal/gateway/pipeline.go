package gateway

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/fatihtunali/whisper2-sub005/internal/metrics"
	"github.com/fatihtunali/whisper2-sub005/internal/wire"
)

// Handler deadlines. Register proof covers the whole challenge verification
// and registration transaction; everything else must come back fast. A store
// that stalls past the deadline surfaces as INTERNAL_ERROR instead of
// wedging the read pump.
const (
	handlerTimeout = 2 * time.Second
	proofTimeout   = 10 * time.Second
)

func handlerDeadline(frameType string) time.Duration {
	if frameType == wire.TypeRegisterProof {
		return proofTimeout
	}
	return handlerTimeout
}

// processFrame runs the full inbound pipeline for one frame: size cap, parse,
// payload validation, the auth gate, rate limiting, then dispatch. Failures
// become error frames echoing the inbound requestId; only oversized frames
// close the socket.
func (s *Server) processFrame(ctx context.Context, c *Conn, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Str("conn_id", c.id).
				Msg("frame handler panicked")
			s.sendError(c, "", wire.Errf(wire.CodeInternalError, "internal error"))
		}
	}()

	if len(raw) > wire.MaxFrameBytes {
		s.sendError(c, "", wire.Errf(wire.CodeInvalidPayload, "frame exceeds %d bytes", wire.MaxFrameBytes))
		c.CloseWith(wire.CloseTooBig, "frame too large")
		return
	}

	var f wire.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.sendError(c, "", wire.Errf(wire.CodeInvalidPayload, "malformed frame"))
		return
	}
	if !wire.KnownType(f.Type) {
		s.sendError(c, f.RequestID, wire.Errf(wire.CodeInvalidPayload, "unknown message type %q", f.Type))
		return
	}

	metrics.FramesIn.WithLabelValues(f.Type).Inc()
	start := time.Now()
	defer func() {
		metrics.FrameHandleSeconds.WithLabelValues(f.Type).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, handlerDeadline(f.Type))
	defer cancel()

	payload, werr := wire.ValidatePayload(f.Type, f.Payload)
	if werr != nil {
		s.sendError(c, f.RequestID, werr)
		return
	}

	var whisperID, token string
	if wire.AuthRequired(f.Type) {
		carrier, ok := payload.(interface{ Token() string })
		if !ok {
			s.sendError(c, f.RequestID, wire.Errf(wire.CodeNotRegistered, "missing session token"))
			return
		}
		token = carrier.Token()
		sess, err := s.auth.ValidateSession(ctx, token)
		if err != nil {
			s.sendError(c, f.RequestID, wire.AsError(err))
			return
		}
		whisperID = sess.WhisperID
		s.bind(ctx, c, whisperID)
		s.reg.Heartbeat(ctx, whisperID)
	}

	// Composite check: IP bucket always, user bucket once authenticated.
	// Unauthed types from a bound connection still charge the user bucket.
	limitID := whisperID
	if limitID == "" {
		limitID = c.whisperID
	}
	allowed, err := s.frameLimiter.Allow(ctx, f.Type, c.ip, limitID)
	if err != nil {
		s.logger.Warn().Err(err).Str("type", f.Type).Msg("rate limiter unavailable")
		s.sendError(c, f.RequestID, wire.Errf(wire.CodeInternalError, "internal error"))
		return
	}
	if !allowed {
		s.sendError(c, f.RequestID, wire.Errf(wire.CodeRateLimited, "rate limit exceeded for %s", f.Type))
		return
	}

	s.dispatch(ctx, c, f, payload, whisperID, token)
}

// bind ties the connection to its authenticated identity on first use.
func (s *Server) bind(ctx context.Context, c *Conn, whisperID string) {
	if c.whisperID == whisperID {
		return
	}
	c.whisperID = whisperID
	s.reg.Bind(ctx, c.id, whisperID)
}

// sendFrame marshals and enqueues a server frame on the connection.
func (s *Server) sendFrame(c *Conn, frameType, requestID string, payload any) {
	frame, err := wire.Marshal(frameType, requestID, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", frameType).Msg("marshal outbound frame")
		return
	}
	if c.Enqueue(frame) {
		metrics.FramesOut.WithLabelValues(frameType).Inc()
	}
}

func (s *Server) sendError(c *Conn, requestID string, werr *wire.Error) {
	metrics.ErrorFrames.WithLabelValues(werr.Code).Inc()
	if c.Enqueue(wire.MarshalError(requestID, werr)) {
		metrics.FramesOut.WithLabelValues(wire.TypeError).Inc()
	}
}
