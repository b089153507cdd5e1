// Package push assembles wake-push payloads and hands them to the vendor
// bus. The gateway uses wakes only to tell an offline device to reconnect;
// no message content beyond a short hint ever leaves the server.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/fatihtunali/whisper2-sub005/internal/clock"
	"github.com/fatihtunali/whisper2-sub005/internal/metrics"
	"github.com/fatihtunali/whisper2-sub005/internal/store"
	"github.com/fatihtunali/whisper2-sub005/internal/volatile"
)

// Wake reasons. The set is closed; group messages wake with ReasonMessage.
const (
	ReasonMessage = "message"
	ReasonCall    = "call"
	ReasonSystem  = "system"
)

// Delivery channels. VoIP is preferred for calls on devices that registered
// a VoIP token; it bypasses notification throttling on iOS.
const (
	ChannelFCM  = "fcm"
	ChannelAPNs = "apns"
	ChannelVoIP = "voip"
)

// dedupWindow suppresses duplicate wakes for the same (user, reason,
// correlation) triple, e.g. a burst of messages in one conversation.
const dedupWindow = 2 * time.Second

// maxHintBytes caps the optional hint carried in the wake payload.
const maxHintBytes = 64

// Payload is the vendor-agnostic wake body published on the bus. A worker
// fleet downstream translates it into FCM/APNs/VoIP vendor calls. Call wakes
// carry the fields the callee's client needs to ring before reconnecting.
type Payload struct {
	Type          string `json:"type"` // always "wake"
	WhisperID     string `json:"whisperId"`
	DeviceID      string `json:"deviceId"`
	Platform      string `json:"platform"`
	Channel       string `json:"channel"`
	Token         string `json:"token"`
	Reason        string `json:"reason"`
	CorrelationID string `json:"correlationId,omitempty"`
	CallID        string `json:"callId,omitempty"`
	From          string `json:"from,omitempty"`
	CallerName    string `json:"callerName,omitempty"`
	IsVideo       bool   `json:"isVideo"`
	Hint          string `json:"hint,omitempty"`
	IssuedAt      int64  `json:"issuedAt"`
}

// WakeRequest is what the routing layers hand the dispatcher. CorrelationID
// scopes the dedup window; the call fields ride only on ReasonCall wakes.
type WakeRequest struct {
	WhisperID     string
	Reason        string
	CorrelationID string
	Hint          string

	CallID     string
	From       string
	CallerName string
	IsVideo    bool
}

// Publisher delivers an assembled payload to the vendor bus.
type Publisher interface {
	Publish(ctx context.Context, p Payload) error
	Close()
}

// Dispatcher builds and dedups wake pushes.
type Dispatcher struct {
	durable   store.DurableStore
	volatile  volatile.Store
	publisher Publisher
	clk       clock.Clock
	logger    zerolog.Logger
}

func NewDispatcher(durable store.DurableStore, vol volatile.Store, pub Publisher, clk clock.Clock, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		durable:   durable,
		volatile:  vol,
		publisher: pub,
		clk:       clk,
		logger:    logger.With().Str("component", "push").Logger(),
	}
}

// Wake dispatches a wake push to the request's registered device. Missing
// push targets and dedup hits are silent no-ops; wakes are best effort.
func (d *Dispatcher) Wake(ctx context.Context, req WakeRequest) error {
	target, err := d.durable.GetPushTarget(ctx, req.WhisperID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	channel, token := pickChannel(target, req.Reason)
	if token == "" {
		return nil
	}

	fresh, err := d.volatile.SetNX(ctx,
		volatile.PushDedupKey(req.WhisperID, req.Reason, req.CorrelationID), []byte("1"), dedupWindow)
	if err != nil {
		return err
	}
	if !fresh {
		metrics.PushDeduped.Inc()
		return nil
	}

	payload := Payload{
		Type:          "wake",
		WhisperID:     req.WhisperID,
		DeviceID:      target.DeviceID,
		Platform:      target.Platform,
		Channel:       channel,
		Token:         token,
		Reason:        req.Reason,
		CorrelationID: req.CorrelationID,
		CallID:        req.CallID,
		From:          req.From,
		CallerName:    truncateHint(req.CallerName),
		IsVideo:       req.IsVideo,
		Hint:          truncateHint(req.Hint),
		IssuedAt:      clock.Millis(d.clk.Now()),
	}
	if err := d.publisher.Publish(ctx, payload); err != nil {
		d.logger.Warn().Err(err).Str("whisper_id", req.WhisperID).Str("channel", channel).Msg("wake publish failed")
		return err
	}
	metrics.PushWakes.WithLabelValues(channel).Inc()
	d.logger.Debug().Str("whisper_id", req.WhisperID).Str("reason", req.Reason).Str("channel", channel).Msg("wake dispatched")
	return nil
}

// pickChannel chooses the vendor channel. Call wakes on iOS ride the VoIP
// token when one exists; everything else takes the platform's regular
// push channel.
func pickChannel(t *store.PushTarget, reason string) (channel, token string) {
	if reason == ReasonCall && t.Platform == "ios" && t.VoipToken != "" {
		return ChannelVoIP, t.VoipToken
	}
	switch t.Platform {
	case "ios":
		return ChannelAPNs, t.PushToken
	default:
		return ChannelFCM, t.PushToken
	}
}

// truncateHint trims the hint to maxHintBytes without splitting a UTF-8
// sequence.
func truncateHint(hint string) string {
	if len(hint) <= maxHintBytes {
		return hint
	}
	b := []byte(hint)[:maxHintBytes]
	for len(b) > 0 && b[len(b)-1]&0xC0 == 0x80 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// marshalPayload is shared by the bus publishers.
func marshalPayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}
