package sinks

import (
	"context"
	"time"

	"market-relay/src/helpers"
	"market-relay/src/logger"
	"market-relay/src/models"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// -----------------------------------------------------------------------------

type KafkaSink struct {
	*queueSink
	writer messageWriter
}

// NewKafkaSink writes ticks and batches to their topics, keyed by instrument name.
func NewKafkaSink(cfg *models.MConfig, log *logger.Logger) *KafkaSink {
	kc := cfg.Sinks.Kafka
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(kc.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Zstd,
		AllowAutoTopicCreation: true,
	}
	return newKafkaSink(cfg, writer, log)
}

func newKafkaSink(cfg *models.MConfig, writer messageWriter, log *logger.Logger) *KafkaSink {
	kc := cfg.Sinks.Kafka
	tickTopic, batchTopic := kc.TickTopic, kc.BatchTopic
	if tickTopic == "" {
		tickTopic = "market-relay.ticks"
	}
	if batchTopic == "" {
		batchTopic = "market-relay.batches"
	}

	s := &KafkaSink{writer: writer}
	s.queueSink = newQueueSink("kafka", cfg.Sinks.QueueSize, tickTopic, batchTopic, s.send, log)
	return s
}

// -----------------------------------------------------------------------------

func (s *KafkaSink) send(ctx context.Context, batch []message) error {
	msgs := make([]kafka.Message, len(batch))
	for i, m := range batch {
		msgs[i] = kafka.Message{Topic: m.dest, Key: []byte(m.key), Value: m.data}
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.writer.WriteMessages(writeCtx, msgs...); err != nil {
		return helpers.NewTransportError("kafka write", err)
	}
	return nil
}

func (s *KafkaSink) Stop() error {
	err := s.queueSink.Stop()
	if cerr := s.writer.Close(); cerr != nil && err == nil {
		err = helpers.NewTransportError("kafka close", cerr)
	}
	return err
}
