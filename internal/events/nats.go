package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/cartridge/learner/internal/ppo"
)

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

// NATSPublisher implements Publisher using NATS. Updates go to
// <subject>.updates, episodes to <subject>.episodes, and failed updates are
// additionally routed to <subject>.error. Tune payloads are received on
// <subject>.tune.
type NATSPublisher struct {
	conn    conn
	subject string
	logger  zerolog.Logger
}

// NewNATSPublisher creates a new NATS-backed publisher
func NewNATSPublisher(natsURL, subject string, logger zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(natsURL, nats.Name("cartridge-learner"))
	if err != nil {
		return nil, err
	}
	return newNATSPublisher(nc, subject, logger), nil
}

func newNATSPublisher(c conn, subject string, logger zerolog.Logger) *NATSPublisher {
	return &NATSPublisher{conn: c, subject: subject, logger: logger}
}

// Close closes the NATS connection
func (n *NATSPublisher) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

// PublishUpdate publishes update diagnostics.
func (n *NATSPublisher) PublishUpdate(ctx context.Context, event UpdateEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	subject := n.subject + ".updates"
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish update event")
		return err
	}

	if event.LastError != "" {
		routingKey := n.subject + ".error"
		if err := n.conn.Publish(routingKey, data); err != nil {
			n.logger.Error().Err(err).Str("routing_key", routingKey).Msg("Failed to publish to routing key")
		}
	}

	n.logger.Debug().
		Str("run_id", event.RunID).
		Int("update", event.Update).
		Str("subject", subject).
		Msg("Published update event")
	return nil
}

// PublishEpisode publishes an episode summary.
func (n *NATSPublisher) PublishEpisode(ctx context.Context, event EpisodeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	subject := n.subject + ".episodes"
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish episode event")
		return err
	}

	n.logger.Debug().
		Str("run_id", event.RunID).
		Int("episode", event.Episode).
		Str("subject", subject).
		Msg("Published episode event")
	return nil
}

// SubscribeTunes delivers tune payloads published on <subject>.tune. The
// returned channel holds up to capacity pending payloads; further ones are
// dropped until the trainer drains it. Malformed payloads are logged and
// skipped.
func (n *NATSPublisher) SubscribeTunes(capacity int) (<-chan ppo.Tune, error) {
	tunes := make(chan ppo.Tune, capacity)
	subject := n.subject + ".tune"

	_, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		var tune ppo.Tune
		if err := json.Unmarshal(msg.Data, &tune); err != nil {
			n.logger.Warn().Err(err).Str("subject", subject).Msg("Dropping malformed tune payload")
			return
		}
		select {
		case tunes <- tune:
		default:
			n.logger.Warn().Str("subject", subject).Msg("Tune queue full, dropping payload")
		}
	})
	if err != nil {
		return nil, err
	}

	n.logger.Info().Str("subject", subject).Msg("Subscribed to tune payloads")
	return tunes, nil
}
