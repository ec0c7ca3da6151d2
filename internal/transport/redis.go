package transport

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"github.com/beswatch/beswatch/internal/config"
)

var (
	RedisPublisherFactory = func(cfg redisstream.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return redisstream.NewPublisher(cfg, logger)
	}
	RedisSubscriberFactory = func(cfg redisstream.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return redisstream.NewSubscriber(cfg, logger)
	}
)

// redisTransport opens two Redis clients: a subscribed connection cannot
// issue regular commands, so the publisher side always gets its own.
func redisTransport(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	opts, err := redis.ParseURL(conf.RedisURL)
	if err != nil {
		return Transport{}, err
	}

	marshaller := redisstream.DefaultMarshallerUnmarshaller{}

	publisher, err := RedisPublisherFactory(
		redisstream.PublisherConfig{
			Client:     redis.NewClient(opts),
			Marshaller: marshaller,
		},
		logger,
	)
	if err != nil {
		return Transport{}, err
	}

	subscriber, err := RedisSubscriberFactory(
		redisstream.SubscriberConfig{
			Client:       redis.NewClient(opts),
			Unmarshaller: marshaller,
		},
		logger,
	)
	if err != nil {
		return Transport{}, err
	}

	return Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}
