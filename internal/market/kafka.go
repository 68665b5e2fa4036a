package market

import (
	"context"
	"encoding/json"
	"time"

	"portfolio-realtime/internal/models"
	"portfolio-realtime/internal/security"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// KafkaFeedConfig configures the push feed.
type KafkaFeedConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	Topic   string   `mapstructure:"topic"`
}

// KafkaFeed consumes JSON ticks from a Kafka topic through a consumer group.
type KafkaFeed struct {
	group  sarama.ConsumerGroup
	topic  string
	logger zerolog.Logger
	now    func() time.Time
}

// NewKafkaFeed connects a consumer group.
func NewKafkaFeed(cfg KafkaFeedConfig, logger zerolog.Logger) (*KafkaFeed, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Version = sarama.V2_8_0_0

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}
	return NewKafkaFeedWithGroup(group, cfg.Topic, logger), nil
}

// NewKafkaFeedWithGroup wraps an existing consumer group.
func NewKafkaFeedWithGroup(group sarama.ConsumerGroup, topic string, logger zerolog.Logger) *KafkaFeed {
	return &KafkaFeed{
		group:  group,
		topic:  topic,
		logger: logger.With().Str("component", "kafka_feed").Logger(),
		now:    time.Now,
	}
}

// Name implements PushProvider.
func (f *KafkaFeed) Name() string { return "kafka" }

// Run implements PushProvider. It rejoins the group after every rebalance
// until ctx is done, then closes the group.
func (f *KafkaFeed) Run(ctx context.Context, publish func(models.MarketDataPoint)) error {
	defer f.group.Close()

	handler := &tickHandler{feed: f, publish: publish}
	for {
		if err := f.group.Consume(ctx, []string{f.topic}, handler); err != nil {
			f.logger.Error().Err(err).Msg("Error from consumer")
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// decode parses one message into a normalized tick. Invalid messages are
// reported and skipped.
func (f *KafkaFeed) decode(value []byte) (models.MarketDataPoint, bool) {
	var tick models.MarketDataPoint
	if err := json.Unmarshal(value, &tick); err != nil {
		f.logger.Warn().Err(err).Msg("Failed to unmarshal tick")
		return tick, false
	}
	symbol, err := security.ValidateSymbol(tick.Symbol)
	if err != nil || tick.Price <= 0 {
		f.logger.Warn().Str("symbol", security.SanitizeText(tick.Symbol)).Float64("price", tick.Price).Msg("Invalid tick dropped")
		return tick, false
	}
	tick.Symbol = symbol
	return normalize(tick, f.Name(), f.now()), true
}

// tickHandler implements sarama.ConsumerGroupHandler.
type tickHandler struct {
	feed    *KafkaFeed
	publish func(models.MarketDataPoint)
}

func (h *tickHandler) Setup(sarama.ConsumerGroupSession) error {
	h.feed.logger.Info().Str("topic", h.feed.topic).Msg("Kafka feed ready")
	return nil
}

func (h *tickHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *tickHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if tick, ok := h.feed.decode(message.Value); ok {
				h.publish(tick)
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
