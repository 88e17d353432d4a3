package kafka

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

type Consumer struct {
	reader *kafka.Reader
}

type ConsumerOpts struct {
	Brokers []string
	Topic   string
	GroupID string
	// User/Password enable SASL plain when set.
	User     string
	Password string
}

// NewConsumer initializes a new Kafka consumer for the event topic.
func NewConsumer(opts ConsumerOpts) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers: opts.Brokers,
		Topic:   opts.Topic,
		GroupID: opts.GroupID,
	}

	if opts.User != "" {
		cfg.Dialer = &kafka.Dialer{
			SASLMechanism: plain.Mechanism{Username: opts.User, Password: opts.Password},
		}
	}

	return &Consumer{reader: kafka.NewReader(cfg)}
}

// Read blocks for the next message and commits its offset. A commit-on-read
// is deliberate: duplicate delivery is handled downstream by the event
// store, while an uncommitted poison message would wedge the topic.
func (c *Consumer) Read(ctx context.Context) ([]byte, error) {
	const op = "kafka.consumer.Read"

	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return msg.Value, nil
}

func (c *Consumer) Close() error {
	const op = "kafka.consumer.Close"

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
