package sinks

import (
	"context"

	"market-relay/src/helpers"
	"market-relay/src/logger"
	"market-relay/src/models"

	"github.com/redis/go-redis/v9"
)

// publisher is the part of *redis.Client the sink uses.
type publisher interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// -----------------------------------------------------------------------------

type RedisSink struct {
	*queueSink
	client publisher
}

// NewRedisSink publishes ticks and batches on redis pub/sub channels.
func NewRedisSink(cfg *models.MConfig, log *logger.Logger) *RedisSink {
	rc := cfg.Sinks.Redis
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	return newRedisSink(cfg, client, log)
}

func newRedisSink(cfg *models.MConfig, client publisher, log *logger.Logger) *RedisSink {
	rc := cfg.Sinks.Redis
	tickChannel, batchChannel := rc.TickChannel, rc.BatchChannel
	if tickChannel == "" {
		tickChannel = "market-relay:ticks"
	}
	if batchChannel == "" {
		batchChannel = "market-relay:batches"
	}

	s := &RedisSink{client: client}
	s.queueSink = newQueueSink("redis", cfg.Sinks.QueueSize, tickChannel, batchChannel, s.send, log)
	return s
}

// -----------------------------------------------------------------------------

// Start checks the server is reachable before forwarding.
func (s *RedisSink) Start(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return helpers.NewTransportError("redis ping", err)
	}
	return s.queueSink.Start(ctx)
}

func (s *RedisSink) send(ctx context.Context, batch []message) error {
	for _, m := range batch {
		if err := s.client.Publish(ctx, m.dest, m.data).Err(); err != nil {
			return helpers.NewTransportError("redis publish "+m.dest, err)
		}
	}
	return nil
}

func (s *RedisSink) Stop() error {
	err := s.queueSink.Stop()
	if cerr := s.client.Close(); cerr != nil && err == nil {
		err = helpers.NewTransportError("redis close", cerr)
	}
	return err
}
