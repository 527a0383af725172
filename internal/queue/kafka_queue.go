package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures a Kafka topic used as the request queue
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	WriteTimeout  time.Duration
	CommitTimeout time.Duration
}

// KafkaPublisher publishes requests keyed by correlation id
type KafkaPublisher struct {
	writer  *kgo.Writer
	brokers []string
	timeout time.Duration
}

// NewKafkaPublisher creates a publisher for cfg.Topic
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	w := &kgo.Writer{
		Addr:         kgo.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireAll, // the request must survive a broker loss once Publish returns
	}

	return &KafkaPublisher{writer: w, brokers: cfg.Brokers, timeout: timeout}, nil
}

// Publish writes one message and waits for the broker acknowledgement
func (p *KafkaPublisher) Publish(ctx context.Context, key string, value []byte) error {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	})
}

// Ping dials the first reachable broker
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	return pingBrokers(ctx, p.brokers)
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// KafkaConsumer reads a topic as part of a consumer group with manual commits.
// Messages after the committed offset are redelivered after a rebalance or restart.
type KafkaConsumer struct {
	reader        *kgo.Reader
	brokers       []string
	commitTimeout time.Duration
	logger        *zap.Logger
}

// NewKafkaConsumer creates a group consumer for cfg.Topic
func NewKafkaConsumer(cfg KafkaConfig, logger *zap.Logger) (*KafkaConsumer, error) {
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka topic and group id are required")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	commitTimeout := cfg.CommitTimeout
	if commitTimeout <= 0 {
		commitTimeout = 3 * time.Second
	}

	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
		StartOffset:    kgo.FirstOffset,
	})

	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaConsumer{
		reader:        r,
		brokers:       cfg.Brokers,
		commitTimeout: commitTimeout,
		logger:        logger,
	}, nil
}

// Fetch blocks for the next message. The returned delivery commits its offset on Ack.
func (c *KafkaConsumer) Fetch(ctx context.Context) (*Delivery, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}

	msg := Message{
		Key:    string(m.Key),
		Value:  m.Value,
		Time:   m.Time,
		Source: fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset),
	}
	ack := func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, c.commitTimeout)
		defer cancel()
		if err := c.reader.CommitMessages(cctx, m); err != nil {
			c.logger.Warn("Failed to commit offset",
				zap.String("topic", m.Topic),
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
			return err
		}
		return nil
	}
	// A group member cannot release one message: committing a later offset skips
	// it, so the delivery is not Releasable and the worker must answer it first.
	return NewDelivery(msg, ack, nil), nil
}

// Ping dials the first reachable broker
func (c *KafkaConsumer) Ping(ctx context.Context) error {
	return pingBrokers(ctx, c.brokers)
}

func (c *KafkaConsumer) Close() error { return c.reader.Close() }

func pingBrokers(ctx context.Context, brokers []string) error {
	var lastErr error
	for _, b := range brokers {
		conn, err := kgo.DialContext(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// SplitBrokers parses a comma separated broker list
func SplitBrokers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
