package broker

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"airsense-cloud/internal/sources/application"
	sources "airsense-cloud/internal/sources/domain"
)

// ReconnectWait is the fixed backoff the underlying client applies between
// reconnect attempts. The manager itself never retries outside its
// reconciliation pass.
const ReconnectWait = 5 * time.Second

// NATSConnector establishes one NATS connection per push source.
type NATSConnector struct {
	registry *application.Registry
	logger   *log.Logger
}

// NewNATSConnector constructs a connector.
func NewNATSConnector(registry *application.Registry, logger *log.Logger) (*NATSConnector, error) {
	if registry == nil {
		return nil, errors.New("nats connector: nil registry")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &NATSConnector{registry: registry, logger: logger}, nil
}

type natsConnection struct {
	conn *nats.Conn
	sub  *nats.Subscription
}

// Close unsubscribes and drains the connection.
func (c *natsConnection) Close() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}

// Connect dials the source's broker and subscribes to its topic. Disconnects
// are recorded against the source; reconnects are handled by the client
// itself with a fixed backoff and reported back as successes.
func (c *NATSConnector) Connect(_ context.Context, source sources.Source, handler MessageHandler) (Connection, error) {
	if source.Topic == "" {
		return nil, errors.New("nats connector: source without topic")
	}

	opts := []nats.Option{
		nats.Name("airsense-" + source.ID),
		nats.ReconnectWait(ReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, cause error) {
			if cause == nil {
				cause = errors.New("connection closed")
			}
			c.logger.Printf("nats connector: source %s disconnected: %v", source.ID, cause)
			if err := c.registry.RecordFailure(context.Background(), source.ID, cause); err != nil {
				c.logger.Printf("nats connector: record failure %s: %v", source.ID, err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Printf("nats connector: source %s reconnected to %s", source.ID, conn.ConnectedUrl())
			if err := c.registry.RecordSuccess(context.Background(), source.ID, time.Now()); err != nil {
				c.logger.Printf("nats connector: record success %s: %v", source.ID, err)
			}
		}),
	}
	if source.Credentials != "" {
		if user, pass, ok := strings.Cut(source.Credentials, ":"); ok {
			opts = append(opts, nats.UserInfo(user, pass))
		} else {
			opts = append(opts, nats.Token(source.Credentials))
		}
	}

	conn, err := nats.Connect(source.Endpoint, opts...)
	if err != nil {
		return nil, err
	}

	sub, err := conn.Subscribe(source.Topic, func(msg *nats.Msg) {
		handler(source, msg.Data)
	})
	if err != nil {
		_ = conn.Drain()
		return nil, err
	}
	return &natsConnection{conn: conn, sub: sub}, nil
}
