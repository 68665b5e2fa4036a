package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// KafkaSinkConfig configures the Kafka event forwarder.
type KafkaSinkConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// KafkaSink publishes domain events to a Kafka topic as JSON, keyed by
// portfolio id (falling back to user id, then symbol) so one portfolio's
// events stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewKafkaSink dials the brokers and returns a sink.
func NewKafkaSink(cfg KafkaSinkConfig, logger zerolog.Logger) (*KafkaSink, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(producer, cfg.Topic, logger), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string, logger zerolog.Logger) *KafkaSink {
	return &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   logger.With().Str("component", "kafka_sink").Logger(),
	}
}

// Send publishes one event.
func (s *KafkaSink) Send(e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", e.ID, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(partitionKey(e)),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-topic"), Value: []byte(e.Topic)},
		},
	}

	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("sending event %s: %w", e.ID, err)
	}
	return nil
}

// Run forwards bus events to Kafka until ctx is done or the bus closes.
// Send failures are logged and skipped.
func (s *KafkaSink) Run(ctx context.Context, bus *Bus) {
	ch, cancel := bus.Subscribe(1024, nil)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := s.Send(e); err != nil {
				s.logger.Warn().Err(err).Str("topic", string(e.Topic)).Msg("Event not forwarded")
			}
		}
	}
}

// Close closes the producer.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

func partitionKey(e Event) string {
	switch {
	case e.PortfolioID != "":
		return e.PortfolioID
	case e.UserID != "":
		return e.UserID
	}
	return e.Symbol
}
