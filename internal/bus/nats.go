package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBus carries envelopes over core NATS subjects. Per-document channels
// map directly onto subjects, so a node only receives traffic for
// documents it actually hosts. Core (not JetStream) delivery is enough
// here: a missed envelope is repaired by the next sync_request, and the
// merge layer tolerates duplicates.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// ConnectNATS dials url with the standard reconnect posture and wraps the
// connection in a bus.
func ConnectNATS(url string, logger zerolog.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	logger.Info().Str("url", url).Msg("connected to nats")
	return &NATSBus{conn: nc, logger: logger}, nil
}

// NewNATSBus wraps an existing connection (tests use this with an embedded
// server).
func NewNATSBus(conn *nats.Conn, logger zerolog.Logger) *NATSBus {
	return &NATSBus{conn: conn, logger: logger}
}

func (b *NATSBus) Publish(_ context.Context, channel string, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(channel string, h Handler) (func(), error) {
	sub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Warn().
				Err(err).
				Str("subject", msg.Subject).
				Int("bytes", len(msg.Data)).
				Msg("dropping undecodable bus envelope")
			return
		}
		h(&env)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug().Err(err).Str("subject", channel).Msg("unsubscribe failed")
		}
	}, nil
}

func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
