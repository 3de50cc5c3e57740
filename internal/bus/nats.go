// Package bus provides the optional NATS ingest path for administrative
// broadcasts. Operators who already publish through a NATS deployment can
// feed the subject below instead of (or in addition to) the Redis channel;
// the coordinator's idempotence makes the dual feed safe.
package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// BroadcastSubject carries the same JSON envelope as the Redis broadcast
// channel.
const BroadcastSubject = "chat.broadcast"

// Handler receives raw broadcast envelopes from the bus.
type Handler func(payload []byte)

// Conn wraps a NATS connection subscribed to the broadcast subject.
type Conn struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger zerolog.Logger
}

// Config holds NATS connection parameters.
type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        zerolog.Logger
}

// Connect dials NATS and subscribes handler to the broadcast subject.
// Reconnects are handled by the client; subscription survives reconnect.
func Connect(cfg Config, handler Handler) (*Conn, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1 // retry forever
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	logger := cfg.Logger.With().Str("component", "nats_bus").Logger()

	c := &Conn{logger: logger}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ConnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS async error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.nc = nc

	sub, err := nc.Subscribe(BroadcastSubject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", BroadcastSubject, err)
	}
	c.sub = sub

	return c, nil
}

// Close drains the subscription and closes the connection.
func (c *Conn) Close() {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.logger.Warn().Err(err).Msg("NATS unsubscribe failed")
		}
	}
	if c.nc != nil {
		c.nc.Close()
	}
}
