// Package router moves direct messages: verify at ingress, persist, deliver
// live or wake the recipient, and settle the queue through receipts.
package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fatihtunali/whisper2-sub005/internal/clock"
	"github.com/fatihtunali/whisper2-sub005/internal/metrics"
	"github.com/fatihtunali/whisper2-sub005/internal/push"
	"github.com/fatihtunali/whisper2-sub005/internal/registry"
	"github.com/fatihtunali/whisper2-sub005/internal/store"
	"github.com/fatihtunali/whisper2-sub005/internal/wire"
)

// MaxTimestampSkew bounds how far a sender's clock may drift from ours.
const MaxTimestampSkew = 600_000 * time.Millisecond

const (
	defaultFetchLimit = 50
	maxFetchLimit     = 100
)

// Waker is the push dispatch hook; satisfied by *push.Dispatcher.
type Waker interface {
	Wake(ctx context.Context, req push.WakeRequest) error
}

// Router handles send_message, delivery_receipt, and fetch_pending.
type Router struct {
	durable store.DurableStore
	reg     *registry.Registry
	waker   Waker
	clk     clock.Clock
	logger  zerolog.Logger
}

func New(durable store.DurableStore, reg *registry.Registry, waker Waker, clk clock.Clock, logger zerolog.Logger) *Router {
	return &Router{
		durable: durable,
		reg:     reg,
		waker:   waker,
		clk:     clk,
		logger:  logger.With().Str("component", "router").Logger(),
	}
}

// HandleSend runs the full ingress path for a direct message. sender is the
// session's whisper id; the payload's from must match it.
func (r *Router) HandleSend(ctx context.Context, sender string, p *wire.SendMessage) (*wire.MessageAccepted, error) {
	if p.From != sender {
		return nil, wire.Errf(wire.CodeForbidden, "from does not match session")
	}
	if err := r.checkSkew(p.Timestamp); err != nil {
		return nil, err
	}

	sigErr := r.verifySignature(ctx, sender, p.MsgType, p.MessageID, p.From, p.To, p.Timestamp, p.Nonce, p.Ciphertext, p.Sig)
	if sigErr != nil {
		return nil, sigErr
	}

	recipient, err := r.durable.GetAccount(ctx, p.To)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, wire.Errf(wire.CodeRecipientNotFound, "no such recipient")
		}
		return nil, err
	}
	if recipient.Status == store.AccountBanned {
		return nil, wire.Errf(wire.CodeRecipientNotFound, "no such recipient")
	}

	now := r.clk.Now()
	err = r.durable.InsertPending(ctx, store.PendingMessage{
		MessageID:   p.MessageID,
		RecipientID: p.To,
		SenderID:    sender,
		MsgType:     p.MsgType,
		Timestamp:   p.Timestamp,
		Nonce:       p.Nonce,
		Ciphertext:  p.Ciphertext,
		Sig:         p.Sig,
		ReplyTo:     p.ReplyTo,
		Reactions:   p.Reactions,
		Attachment:  p.Attachment,
		CreatedAt:   now,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		return nil, err
	}
	// A duplicate messageId is a client retry; re-acknowledge without
	// delivering twice.
	if err == nil {
		r.reg.RecordContact(ctx, sender, p.To)
		r.deliverOrWake(ctx, p)
	}

	return &wire.MessageAccepted{MessageID: p.MessageID, Status: "sent"}, nil
}

func (r *Router) deliverOrWake(ctx context.Context, p *wire.SendMessage) {
	frame, err := wire.Marshal(wire.TypeMessageReceived, "", wire.MessageReceived{
		MessageID:  p.MessageID,
		From:       p.From,
		To:         p.To,
		MsgType:    p.MsgType,
		Timestamp:  p.Timestamp,
		Nonce:      p.Nonce,
		Ciphertext: p.Ciphertext,
		Sig:        p.Sig,
		ReplyTo:    p.ReplyTo,
		Reactions:  p.Reactions,
		Attachment: p.Attachment,
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("marshal message_received")
		return
	}

	if r.reg.SendTo(p.To, frame) {
		metrics.MessagesRouted.WithLabelValues("live").Inc()
		if err := r.durable.MarkPendingDelivered(ctx, p.To, p.MessageID, r.clk.Now()); err != nil {
			r.logger.Warn().Err(err).Str("message_id", p.MessageID).Msg("mark delivered failed")
		}
		return
	}

	metrics.MessagesRouted.WithLabelValues("queued").Inc()
	// Correlate on the sender so a burst from one conversation collapses
	// into a single wake.
	err = r.waker.Wake(ctx, push.WakeRequest{
		WhisperID:     p.To,
		Reason:        push.ReasonMessage,
		CorrelationID: p.From,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("to", p.To).Msg("wake failed")
	}
}

// HandleReceipt settles a delivery or read receipt issued by sender. Stale
// or duplicate receipts are dropped silently.
func (r *Router) HandleReceipt(ctx context.Context, sender string, p *wire.DeliveryReceipt) error {
	if p.From != sender {
		return wire.Errf(wire.CodeForbidden, "from does not match session")
	}

	if p.Status == wire.ReceiptDelivered {
		// The pending row belongs to the receipt issuer's queue.
		if _, err := r.durable.DeletePending(ctx, sender, p.MessageID); err != nil {
			return err
		}
	}

	frame, err := wire.Marshal(wire.TypeMessageDelivered, "", wire.MessageDelivered{
		MessageID: p.MessageID,
		Status:    p.Status,
		Timestamp: p.Timestamp,
	})
	if err != nil {
		return err
	}
	r.reg.SendTo(p.To, frame)
	return nil
}

// FetchPending pages the caller's queue in (timestamp, messageId) order.
// Fetching never deletes; the client settles rows through receipts.
func (r *Router) FetchPending(ctx context.Context, whisperID string, p *wire.FetchPending) (*wire.PendingMessages, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	if limit > maxFetchLimit {
		limit = maxFetchLimit
	}

	var cursor *store.PendingCursor
	if p.Cursor != "" {
		c, err := decodeCursor(p.Cursor)
		if err != nil {
			return nil, wire.Errf(wire.CodeInvalidPayload, "bad cursor")
		}
		cursor = c
	}

	rows, err := r.durable.ListPending(ctx, whisperID, cursor, limit)
	if err != nil {
		return nil, err
	}

	out := &wire.PendingMessages{Messages: make([]wire.MessageReceived, 0, len(rows))}
	for _, m := range rows {
		out.Messages = append(out.Messages, wire.MessageReceived{
			MessageID:  m.MessageID,
			From:       m.SenderID,
			To:         m.RecipientID,
			GroupID:    m.GroupID,
			MsgType:    m.MsgType,
			Timestamp:  m.Timestamp,
			Nonce:      m.Nonce,
			Ciphertext: m.Ciphertext,
			Sig:        m.Sig,
			ReplyTo:    m.ReplyTo,
			Reactions:  m.Reactions,
			Attachment: m.Attachment,
		})
	}
	if len(rows) == limit {
		last := rows[len(rows)-1]
		out.NextCursor = encodeCursor(last.Timestamp, last.MessageID)
	}
	metrics.PendingFetched.Add(float64(len(rows)))
	return out, nil
}

// PurgeExpired drops queued messages older than the retention window.
func (r *Router) PurgeExpired(ctx context.Context, retention time.Duration) {
	n, err := r.durable.PurgePendingBefore(ctx, r.clk.Now().Add(-retention))
	if err != nil {
		r.logger.Warn().Err(err).Msg("pending purge failed")
		return
	}
	if n > 0 {
		r.logger.Info().Int64("removed", n).Msg("expired pending messages purged")
	}
}

func (r *Router) checkSkew(ts int64) error {
	now := clock.Millis(r.clk.Now())
	skew := now - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Millisecond > MaxTimestampSkew {
		return wire.Errf(wire.CodeInvalidTimestamp, "timestamp outside accepted window")
	}
	return nil
}

// verifySignature checks the canonical-string signature against the
// sender's stored signing key.
func (r *Router) verifySignature(ctx context.Context, sender, msgType, messageID, from, toOrGroup string, ts int64, nonce, ciphertext, sig string) error {
	acct, err := r.durable.GetAccount(ctx, sender)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return wire.Errf(wire.CodeNotRegistered, "unknown sender")
		}
		return err
	}
	rawSig, err := wire.DecodeB64(sig)
	if err != nil {
		return wire.Errf(wire.CodeInvalidPayload, "bad signature encoding")
	}
	canonical := wire.Canonical(msgType, messageID, from, toOrGroup, ts, nonce, ciphertext)
	if !wire.VerifyCanonical(acct.SignPublicKey, canonical, rawSig) {
		return wire.Errf(wire.CodeInvalidSignature, "signature does not verify")
	}
	return nil
}

// VerifyEnvelope exposes the canonical check for the group fan-out path.
func (r *Router) VerifyEnvelope(ctx context.Context, sender, msgType, messageID, from, toOrGroup string, ts int64, nonce, ciphertext, sig string) error {
	return r.verifySignature(ctx, sender, msgType, messageID, from, toOrGroup, ts, nonce, ciphertext, sig)
}

func encodeCursor(ts int64, messageID string) string {
	return wire.B64([]byte(fmt.Sprintf("%d:%s", ts, messageID)))
}

func decodeCursor(s string) (*store.PendingCursor, error) {
	raw, err := wire.DecodeB64(s)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return nil, errors.New("malformed cursor")
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, err
	}
	return &store.PendingCursor{Timestamp: ts, MessageID: parts[1]}, nil
}
