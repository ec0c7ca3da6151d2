// Package transport builds the watermill publisher/subscriber pair for the
// configured pub/sub backend. Each Build call opens its own connections, so
// the build-event subscription and the command publisher never share one.
package transport

import (
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/beswatch/beswatch/internal/config"
)

// Transport combines a publisher and subscriber pair for one backend
// connection.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Build constructs the transport selected by conf.PubSubSystem.
func Build(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	switch strings.ToLower(conf.PubSubSystem) {
	case "redis":
		return redisTransport(conf, logger)
	case "nats":
		return natsTransport(conf, logger)
	case "kafka":
		return kafkaTransport(conf, logger)
	case "rabbitmq":
		return rabbitMQTransport(conf, logger)
	case "channel", "":
		return channelTransport(conf, logger)
	default:
		return Transport{}, fmt.Errorf("unknown pubsub system %q", conf.PubSubSystem)
	}
}

// Close shuts down both halves, reporting the first error.
func (t Transport) Close() error {
	var firstErr error
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil {
			firstErr = err
		}
	}
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
