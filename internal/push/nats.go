package push

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subject layout: whisper.push.<channel>. The vendor workers subscribe per
// channel so APNs and FCM capacity scale independently.
const subjectPrefix = "whisper.push."

// NATSPublisher publishes wake payloads on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

func NewNATSPublisher(url string, logger zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("whisperd-push"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{
		nc:     nc,
		logger: logger.With().Str("component", "push_nats").Logger(),
	}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, payload Payload) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return p.nc.Publish(subjectPrefix+payload.Channel, data)
}

func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn().Err(err).Msg("nats drain failed")
	}
}

// LogPublisher is the dev-mode bus: wakes are logged, not delivered.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "push_log").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, payload Payload) error {
	p.logger.Info().
		Str("whisper_id", payload.WhisperID).
		Str("channel", payload.Channel).
		Str("reason", payload.Reason).
		Msg("wake push (dev mode, not delivered)")
	return nil
}

func (p *LogPublisher) Close() {}
