package gateway

import (
	"context"
	"errors"

	"github.com/fatihtunali/whisper2-sub005/internal/clock"
	"github.com/fatihtunali/whisper2-sub005/internal/metrics"
	"github.com/fatihtunali/whisper2-sub005/internal/store"
	"github.com/fatihtunali/whisper2-sub005/internal/wire"
)

// dispatch routes a validated frame to its owning service and writes the
// reply. whisperID and token are set only for auth-gated types.
func (s *Server) dispatch(ctx context.Context, c *Conn, f wire.Frame, payload any, whisperID, token string) {
	switch f.Type {
	case wire.TypeRegisterBegin:
		challenge, err := s.auth.RegisterBegin(ctx, payload.(*wire.RegisterBegin))
		if err != nil {
			s.sendError(c, f.RequestID, wire.AsError(err))
			return
		}
		s.sendFrame(c, wire.TypeRegisterChallenge, f.RequestID, challenge)

	case wire.TypeRegisterProof:
		ack, err := s.auth.RegisterProof(ctx, payload.(*wire.RegisterProof))
		if err != nil {
			s.sendError(c, f.RequestID, wire.AsError(err))
			return
		}
		// Registration authenticates the socket without a further frame.
		s.bind(ctx, c, ack.WhisperID)
		s.sendFrame(c, wire.TypeRegisterAck, f.RequestID, ack)

	case wire.TypeSessionRefresh:
		ack, err := s.auth.RefreshSession(ctx, token)
		if err != nil {
			s.sendError(c, f.RequestID, wire.AsError(err))
			return
		}
		s.sendFrame(c, wire.TypeSessionRefreshAck, f.RequestID, ack)

	case wire.TypeLogout:
		if err := s.auth.Logout(ctx, token); err != nil {
			s.sendError(c, f.RequestID, wire.AsError(err))
			return
		}
		c.CloseWith(wire.CloseNormal, "logout")

	case wire.TypeUpdateTokens:
		p := payload.(*wire.UpdateTokens)
		if err := s.auth.UpdateTokens(ctx, whisperID, p); err != nil {
			s.sendError(c, f.RequestID, wire.AsError(err))
			return
		}
		s.sendFrame(c, wire.TypeTokensUpdated, f.RequestID, wire.TokensUpdated{Success: true})

	case wire.TypeSendMessage:
		ack, err := s.router.HandleSend(ctx, whisperID, payload.(*wire.SendMessage))
		if err != nil {
			s.sendError(c, f.RequestID, wire.AsError(err))
			return
		}
		s.sendFrame(c, wire.TypeMessageAccepted, f.RequestID, ack)

	case wire.TypeDeliveryReceipt:
		if err := s.router.HandleReceipt(ctx, whisperID, payload.(*wire.DeliveryReceipt)); err != nil {
			s.sendError(c, f.RequestID, wire.AsError(err))
		}

	case wire.TypeFetchPending:
		page, err := s.router.FetchPending(ctx, whisperID, payload.(*wire.FetchPending))
		if err != nil {
			s.sendError(c, f.RequestID, wire.AsError(err))
			return
		}
		s.sendFrame(c, wire.TypePendingMessages, f.RequestID, page)

	case wire.TypeGroupCreate:
		event, err := s.groups.Create(ctx, whisperID, payload.(*wire.GroupCreate))
		if err != nil {
			s.sendError(c, f.RequestID, wire.AsError(err))
			return
		}
		s.sendFrame(c, wire.TypeGroupEvent, f.RequestID, event)

	case wire.TypeGroupUpdate:
		event, err := s.groups.Update(ctx, whisperID, payload.(*wire.GroupUpdate))
		if err != nil {
			s.sendError(c, f.RequestID, wire.AsError(err))
			return
		}
		s.sendFrame(c, wire.TypeGroupEvent, f.RequestID, event)

	case wire.TypeGroupSendMessage:
		ack, err := s.groups.Send(ctx, whisperID, payload.(*wire.GroupSendMessage))
		if err != nil {
			s.sendError(c, f.RequestID, wire.AsError(err))
			return
		}
		s.sendFrame(c, wire.TypeMessageAccepted, f.RequestID, ack)

	case wire.TypeGetTurnCredentials:
		creds, err := s.calls.TurnCredentials(ctx, whisperID)
		if err != nil {
			s.sendError(c, f.RequestID, wire.AsError(err))
			return
		}
		s.sendFrame(c, wire.TypeTurnCredentials, f.RequestID, creds)

	case wire.TypeCallInitiate:
		s.callOp(c, f.RequestID, s.calls.Initiate(ctx, whisperID, payload.(*wire.CallSignal)))
	case wire.TypeCallRinging:
		s.callOp(c, f.RequestID, s.calls.Ringing(ctx, whisperID, payload.(*wire.CallSignal)))
	case wire.TypeCallAnswer:
		s.callOp(c, f.RequestID, s.calls.Answer(ctx, whisperID, payload.(*wire.CallSignal)))
	case wire.TypeCallIceCandidate:
		s.callOp(c, f.RequestID, s.calls.IceCandidate(ctx, whisperID, payload.(*wire.CallSignal)))
	case wire.TypeCallEnd:
		s.callOp(c, f.RequestID, s.calls.End(ctx, whisperID, payload.(*wire.CallSignal)))

	case wire.TypeTyping:
		if err := s.handleTyping(ctx, whisperID, payload.(*wire.Typing)); err != nil {
			s.sendError(c, f.RequestID, wire.AsError(err))
		}

	case wire.TypePing:
		// Unauthenticated pings keep the socket warm; bound ones also
		// refresh presence.
		if c.whisperID != "" {
			s.reg.Heartbeat(ctx, c.whisperID)
		}
		s.sendFrame(c, wire.TypePong, f.RequestID, wire.Pong{ServerTime: clock.Millis(s.clk.Now())})
	}
}

// callOp writes the error half of a call signaling operation; success is
// silent, the peer's relay frame is the observable effect.
func (s *Server) callOp(c *Conn, requestID string, err error) {
	if err != nil {
		s.sendError(c, requestID, wire.AsError(err))
	}
}

// handleTyping relays typing state live-only: nothing is queued, nobody is
// woken. Group typing requires active membership and fans to the current
// roster.
func (s *Server) handleTyping(ctx context.Context, whisperID string, p *wire.Typing) error {
	frame, err := wire.Marshal(wire.TypeTypingNotification, "", wire.TypingNotification{
		From:    whisperID,
		GroupID: p.GroupID,
		Typing:  p.Typing,
	})
	if err != nil {
		return err
	}

	if p.GroupID == "" {
		if s.reg.SendTo(p.To, frame) {
			metrics.FramesOut.WithLabelValues(wire.TypeTypingNotification).Inc()
		}
		return nil
	}

	if _, err := s.durable.ActiveMember(ctx, p.GroupID, whisperID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return wire.Errf(wire.CodeForbidden, "not a member of this group")
		}
		return err
	}
	members, err := s.durable.ActiveMembers(ctx, p.GroupID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.WhisperID == whisperID {
			continue
		}
		if s.reg.SendTo(m.WhisperID, frame) {
			metrics.FramesOut.WithLabelValues(wire.TypeTypingNotification).Inc()
		}
	}
	return nil
}
