package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"trophysync/pkg/digest"
	"trophysync/pkg/logger"
	"trophysync/pkg/retry"
)

// Writer is the part of kafka.Writer the publisher uses
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds Kafka producer configuration
type Config struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher publishes owner digests keyed by owner id,
// so all digests of one owner land on the same partition in order.
type KafkaPublisher struct {
	writer Writer
	retry  retry.RetryOptions
	logger *logger.Logger
}

// NewKafkaPublisher creates a KafkaPublisher
func NewKafkaPublisher(cfg Config, l *logger.Logger) *KafkaPublisher {
	return NewWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}, l)
}

// NewWithWriter wraps an existing writer
func NewWithWriter(w Writer, l *logger.Logger) *KafkaPublisher {
	opts := retry.DefaultOptions()
	opts.MaxAttempts = 3
	opts.InitialInterval = 200 * time.Millisecond
	opts.MaxInterval = 2 * time.Second
	return &KafkaPublisher{writer: w, retry: opts, logger: l}
}

// Encode returns the message of a digest
func Encode(d digest.OwnerDigest) (kafka.Message, error) {
	value, err := json.Marshal(d)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode digest: %w", err)
	}
	return kafka.Message{
		Key:   []byte(d.OwnerID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "cycle_id", Value: []byte(d.CycleID)},
			{Key: "content-type", Value: []byte("application/json")},
		},
	}, nil
}

// Publish writes the digest, retrying transient broker errors
func (p *KafkaPublisher) Publish(ctx context.Context, d digest.OwnerDigest) error {
	msg, err := Encode(d)
	if err != nil {
		return err
	}

	opts := p.retry
	opts.OnRetry = func(attempt int, err error, wait time.Duration) {
		p.logger.Warn("digest publish failed, retrying",
			logger.Owner(d.OwnerID), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return retry.Do(ctx, func(ctx context.Context) error {
		return p.writer.WriteMessages(ctx, msg)
	}, opts)
}

// Close flushes pending messages and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes digests to the log; used when no brokers are configured
type LogPublisher struct {
	logger *logger.Logger
}

func NewLogPublisher(l *logger.Logger) *LogPublisher {
	return &LogPublisher{logger: l}
}

func (p *LogPublisher) Publish(_ context.Context, d digest.OwnerDigest) error {
	titles := make([]string, 0, len(d.Titles))
	for _, t := range d.Titles {
		name := t.TitleName
		if name == "" {
			name = t.TitleID
		}
		titles = append(titles, fmt.Sprintf("%s:%s (%d)", t.Platform, name, len(t.Unlocks)+t.Omitted))
	}
	p.logger.Info("unlock digest",
		logger.Owner(d.OwnerID),
		zap.String("cycle_id", d.CycleID),
		zap.Int("total", d.Total),
		zap.Strings("titles", titles),
		zap.Int("omitted_titles", d.OmittedTitles))
	return nil
}

func (p *LogPublisher) Close() error { return nil }
