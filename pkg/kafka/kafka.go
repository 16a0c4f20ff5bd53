package kafka

import (
	"context"
	"strings"

	"promo-engine/pkg/config"

	"github.com/segmentio/kafka-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("kafka",
	fx.Provide(NewConsumer),
)

// Consumer wraps a kafka-go reader with manual offset commit. Offsets are
// committed explicitly by the caller after a message has been fully handled.
type Consumer struct {
	reader *kafka.Reader
}

func NewConsumer(lc fx.Lifecycle, cfg *config.Config) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Kafka.Addrs, ","),
		Topic:    cfg.Kafka.Topic,
		GroupID:  cfg.Kafka.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	zap.L().Info("[Kafka] consumer initialized",
		zap.String("brokers", cfg.Kafka.Addrs),
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("group_id", cfg.Kafka.GroupID),
	)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return r.Close()
		},
	})

	return &Consumer{reader: r}
}

// Fetch blocks until the next message is available. The offset is not
// committed until Commit is called.
func (c *Consumer) Fetch(ctx context.Context) (kafka.Message, error) {
	return c.reader.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, msgs ...kafka.Message) error {
	return c.reader.CommitMessages(ctx, msgs...)
}
