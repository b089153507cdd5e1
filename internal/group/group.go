// Package group owns the membership model and the per-recipient envelope
// fan-out. One logical group message arrives as N envelopes, one ciphertext
// per member; the server verifies and routes without ever decrypting.
package group

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fatihtunali/whisper2-sub005/internal/clock"
	"github.com/fatihtunali/whisper2-sub005/internal/metrics"
	"github.com/fatihtunali/whisper2-sub005/internal/push"
	"github.com/fatihtunali/whisper2-sub005/internal/registry"
	"github.com/fatihtunali/whisper2-sub005/internal/router"
	"github.com/fatihtunali/whisper2-sub005/internal/store"
	"github.com/fatihtunali/whisper2-sub005/internal/wire"
)

// Group event names carried in group_event frames.
const (
	EventCreated       = "created"
	EventUpdated       = "updated"
	EventMemberAdded   = "member_added"
	EventMemberRemoved = "member_removed"
)

// Service handles group_create, group_update, and group_send_message.
type Service struct {
	durable store.DurableStore
	reg     *registry.Registry
	router  *router.Router
	waker   router.Waker
	clk     clock.Clock
	logger  zerolog.Logger
}

func NewService(durable store.DurableStore, reg *registry.Registry, rt *router.Router, waker router.Waker, clk clock.Clock, logger zerolog.Logger) *Service {
	return &Service{
		durable: durable,
		reg:     reg,
		router:  rt,
		waker:   waker,
		clk:     clk,
		logger:  logger.With().Str("component", "group").Logger(),
	}
}

// Create provisions a group owned by the caller. Listed members that do not
// resolve to accounts are dropped silently; the caller sees the final roster
// in the created event.
func (s *Service) Create(ctx context.Context, owner string, p *wire.GroupCreate) (*wire.GroupEvent, error) {
	now := s.clk.Now()
	g := store.Group{
		GroupID:   uuid.NewString(),
		Title:     p.Title,
		OwnerID:   owner,
		CreatedAt: now,
		UpdatedAt: now,
	}

	members := []store.GroupMember{{
		GroupID: g.GroupID, WhisperID: owner, Role: store.RoleOwner, JoinedAt: now,
	}}
	seen := map[string]bool{owner: true}
	for _, id := range p.MemberIDs {
		if seen[id] {
			continue
		}
		if _, err := s.durable.GetAccount(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		seen[id] = true
		members = append(members, store.GroupMember{
			GroupID: g.GroupID, WhisperID: id, Role: store.RoleMember, JoinedAt: now,
		})
	}
	if len(members) > wire.MaxGroupMembers {
		return nil, wire.Errf(wire.CodeForbidden, "group size cap is %d", wire.MaxGroupMembers)
	}

	if err := s.durable.CreateGroup(ctx, g, members); err != nil {
		return nil, err
	}

	event, err := s.buildEvent(ctx, g.GroupID, EventCreated, nil)
	if err != nil {
		return nil, err
	}
	s.fanOutEvent(event, owner)
	s.logger.Info().Str("group_id", g.GroupID).Str("owner", owner).Int("members", len(members)).Msg("group created")
	return event, nil
}

// Update applies one membership, role, or title mutation on behalf of actor.
func (s *Service) Update(ctx context.Context, actor string, p *wire.GroupUpdate) (*wire.GroupEvent, error) {
	g, err := s.durable.GetGroup(ctx, p.GroupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, wire.Errf(wire.CodeNotFound, "no such group")
		}
		return nil, err
	}
	actorMember, err := s.durable.ActiveMember(ctx, p.GroupID, actor)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, wire.Errf(wire.CodeForbidden, "not a member")
		}
		return nil, err
	}

	now := s.clk.Now()
	event := EventUpdated
	var affected []string

	switch p.Action {
	case wire.GroupActionAddMember:
		if err := s.requireAdmin(actorMember); err != nil {
			return nil, err
		}
		if _, err := s.durable.GetAccount(ctx, p.MemberID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, wire.Errf(wire.CodeNotFound, "no such account")
			}
			return nil, err
		}
		active, err := s.durable.ActiveMembers(ctx, p.GroupID)
		if err != nil {
			return nil, err
		}
		if len(active) >= wire.MaxGroupMembers {
			return nil, wire.Errf(wire.CodeForbidden, "group size cap is %d", wire.MaxGroupMembers)
		}
		err = s.durable.AddMember(ctx, store.GroupMember{
			GroupID: p.GroupID, WhisperID: p.MemberID, Role: store.RoleMember, JoinedAt: now,
		})
		if errors.Is(err, store.ErrDuplicate) {
			return nil, wire.Errf(wire.CodeInvalidPayload, "already a member")
		}
		if err != nil {
			return nil, err
		}
		event = EventMemberAdded
		affected = []string{p.MemberID}

	case wire.GroupActionRemoveMember:
		// Admins remove members; anyone may remove themselves (leave).
		if p.MemberID != actor {
			if err := s.requireAdmin(actorMember); err != nil {
				return nil, err
			}
		}
		target, err := s.durable.ActiveMember(ctx, p.GroupID, p.MemberID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, wire.Errf(wire.CodeNotFound, "not an active member")
			}
			return nil, err
		}
		if target.Role == store.RoleOwner {
			return nil, wire.Errf(wire.CodeForbidden, "the owner cannot be removed")
		}
		// Admins cannot remove other admins; only the owner can.
		if target.Role == store.RoleAdmin && actorMember.Role != store.RoleOwner && p.MemberID != actor {
			return nil, wire.Errf(wire.CodeForbidden, "only the owner removes admins")
		}
		if err := s.durable.RemoveMember(ctx, p.GroupID, p.MemberID, now); err != nil {
			return nil, err
		}
		event = EventMemberRemoved
		affected = []string{p.MemberID}

	case wire.GroupActionChangeRole:
		if actorMember.Role != store.RoleOwner {
			return nil, wire.Errf(wire.CodeForbidden, "only the owner changes roles")
		}
		if p.MemberID == g.OwnerID {
			return nil, wire.Errf(wire.CodeForbidden, "the sole owner cannot be demoted")
		}
		if p.Role == store.RoleOwner {
			return nil, wire.Errf(wire.CodeForbidden, "ownership does not transfer here")
		}
		if _, err := s.durable.ActiveMember(ctx, p.GroupID, p.MemberID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, wire.Errf(wire.CodeNotFound, "not an active member")
			}
			return nil, err
		}
		if err := s.durable.ChangeRole(ctx, p.GroupID, p.MemberID, p.Role, now); err != nil {
			return nil, err
		}
		affected = []string{p.MemberID}

	case wire.GroupActionUpdateTitle:
		if err := s.requireAdmin(actorMember); err != nil {
			return nil, err
		}
		if err := s.durable.UpdateGroupTitle(ctx, p.GroupID, p.Title, now); err != nil {
			return nil, err
		}

	default:
		return nil, wire.Errf(wire.CodeInvalidPayload, "unknown action")
	}

	out, err := s.buildEvent(ctx, p.GroupID, event, affected)
	if err != nil {
		return nil, err
	}
	s.fanOutEvent(out, actor)

	// A removed member is no longer in the roster but still learns why
	// the group vanished from their list.
	if event == EventMemberRemoved {
		frame, err := wire.Marshal(wire.TypeGroupEvent, "", out)
		if err == nil {
			s.reg.SendTo(p.MemberID, frame)
		}
	}
	return out, nil
}

func (s *Service) requireAdmin(m *store.GroupMember) error {
	if m.Role != store.RoleOwner && m.Role != store.RoleAdmin {
		return wire.Errf(wire.CodeForbidden, "requires admin role")
	}
	return nil
}

// Send fans a group message out envelope by envelope. Every envelope is
// signature-checked against the sender's key before anything is delivered;
// one bad envelope rejects the whole frame.
func (s *Service) Send(ctx context.Context, sender string, p *wire.GroupSendMessage) (*wire.MessageAccepted, error) {
	if p.From != sender {
		return nil, wire.Errf(wire.CodeForbidden, "from does not match session")
	}
	if err := s.checkSkew(p.Timestamp); err != nil {
		return nil, err
	}
	if _, err := s.durable.ActiveMember(ctx, p.GroupID, sender); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, wire.Errf(wire.CodeForbidden, "not a member")
		}
		return nil, err
	}

	active, err := s.durable.ActiveMembers(ctx, p.GroupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, wire.Errf(wire.CodeNotFound, "no such group")
		}
		return nil, err
	}
	activeSet := make(map[string]bool, len(active))
	for _, m := range active {
		activeSet[m.WhisperID] = true
	}

	// Verify before any persistence so the fan-out is all-or-nothing.
	var deliverable []wire.Envelope
	for _, env := range p.Recipients {
		// Envelopes for departed members or the sender itself are dropped,
		// not rejected; the sender's roster may lag a recent removal.
		if env.To == sender || !activeSet[env.To] {
			continue
		}
		if err := s.router.VerifyEnvelope(ctx, sender, p.MsgType, p.MessageID, p.From, env.To,
			p.Timestamp, env.Nonce, env.Ciphertext, env.Sig); err != nil {
			return nil, err
		}
		deliverable = append(deliverable, env)
	}

	now := s.clk.Now()
	for _, env := range deliverable {
		err := s.durable.InsertPending(ctx, store.PendingMessage{
			MessageID:   p.MessageID,
			RecipientID: env.To,
			SenderID:    sender,
			GroupID:     p.GroupID,
			MsgType:     p.MsgType,
			Timestamp:   p.Timestamp,
			Nonce:       env.Nonce,
			Ciphertext:  env.Ciphertext,
			Sig:         env.Sig,
			ReplyTo:     p.ReplyTo,
			Reactions:   p.Reactions,
			Attachment:  p.Attachment,
			CreatedAt:   now,
		})
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.deliverEnvelope(ctx, p, env)
	}

	return &wire.MessageAccepted{MessageID: p.MessageID, Status: "sent"}, nil
}

func (s *Service) deliverEnvelope(ctx context.Context, p *wire.GroupSendMessage, env wire.Envelope) {
	frame, err := wire.Marshal(wire.TypeMessageReceived, "", wire.MessageReceived{
		MessageID:  p.MessageID,
		From:       p.From,
		To:         env.To,
		GroupID:    p.GroupID,
		MsgType:    p.MsgType,
		Timestamp:  p.Timestamp,
		Nonce:      env.Nonce,
		Ciphertext: env.Ciphertext,
		Sig:        env.Sig,
		ReplyTo:    p.ReplyTo,
		Reactions:  p.Reactions,
		Attachment: p.Attachment,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal group message_received")
		return
	}
	if s.reg.SendTo(env.To, frame) {
		metrics.MessagesRouted.WithLabelValues("live").Inc()
		if err := s.durable.MarkPendingDelivered(ctx, env.To, p.MessageID, s.clk.Now()); err != nil {
			s.logger.Warn().Err(err).Msg("mark group envelope delivered failed")
		}
		return
	}
	metrics.MessagesRouted.WithLabelValues("queued").Inc()
	err = s.waker.Wake(ctx, push.WakeRequest{
		WhisperID:     env.To,
		Reason:        push.ReasonMessage,
		CorrelationID: p.GroupID,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("to", env.To).Msg("group wake failed")
	}
}

// buildEvent assembles the group_event body from the current roster.
func (s *Service) buildEvent(ctx context.Context, groupID, event string, affected []string) (*wire.GroupEvent, error) {
	g, err := s.durable.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	active, err := s.durable.ActiveMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	info := wire.GroupInfo{
		GroupID:   g.GroupID,
		Title:     g.Title,
		OwnerID:   g.OwnerID,
		CreatedAt: clock.Millis(g.CreatedAt),
		UpdatedAt: clock.Millis(g.UpdatedAt),
		Members:   make([]wire.GroupMember, 0, len(active)),
	}
	for _, m := range active {
		info.Members = append(info.Members, wire.GroupMember{
			WhisperID: m.WhisperID,
			Role:      m.Role,
			JoinedAt:  clock.Millis(m.JoinedAt),
		})
	}
	return &wire.GroupEvent{Event: event, Group: info, AffectedMembers: affected}, nil
}

// fanOutEvent delivers a group_event to every active member except the actor,
// who receives it as the frame's direct response.
func (s *Service) fanOutEvent(event *wire.GroupEvent, actor string) {
	frame, err := wire.Marshal(wire.TypeGroupEvent, "", event)
	if err != nil {
		return
	}
	for _, m := range event.Group.Members {
		if m.WhisperID == actor {
			continue
		}
		if s.reg.SendTo(m.WhisperID, frame) {
			metrics.FramesOut.WithLabelValues(wire.TypeGroupEvent).Inc()
		}
	}
}

func (s *Service) checkSkew(ts int64) error {
	now := clock.Millis(s.clk.Now())
	skew := now - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Millisecond > router.MaxTimestampSkew {
		return wire.Errf(wire.CodeInvalidTimestamp, "timestamp outside accepted window")
	}
	return nil
}
