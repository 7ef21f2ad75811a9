package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

// ErrMalformedRequest is returned for messages that are not a sync request
var ErrMalformedRequest = errors.New("malformed sync request")

// SyncRequest asks for a sync cycle outside the schedule
type SyncRequest struct {
	Source      string    `json:"source"`
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at,omitempty"`
}

// ParseRequest decodes a request body. An empty body is a bare trigger.
func ParseRequest(data []byte) (SyncRequest, error) {
	var req SyncRequest
	if len(data) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return req, nil
}

// Message is one consumed sync request
type Message struct {
	Request SyncRequest
	Offset  int64
	Err     error // set when the payload could not be decoded
	Raw     kafka.Message
}

// Consumer delivers sync requests
type Consumer interface {
	// Consume returns a channel of requests and a channel carrying a terminal error
	Consume(ctx context.Context) (<-chan Message, <-chan error)

	// Commit marks a request as handled
	Commit(ctx context.Context, msg Message) error

	Close() error
}

// Reader is the part of kafka.Reader the consumer uses
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads sync requests from a topic within a consumer group
type KafkaConsumer struct {
	reader Reader
}

// Config holds Kafka consumer configuration
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewKafkaConsumer creates a KafkaConsumer
func NewKafkaConsumer(cfg Config) *KafkaConsumer {
	return NewWithReader(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 1 << 20, // requests are tiny
		MaxWait:  time.Second,
	}))
}

// NewWithReader wraps an existing reader
func NewWithReader(r Reader) *KafkaConsumer {
	return &KafkaConsumer{reader: r}
}

// Consume starts the fetch loop; it stops when ctx ends or the reader fails
func (c *KafkaConsumer) Consume(ctx context.Context) (<-chan Message, <-chan error) {
	msgChan := make(chan Message)
	errChan := make(chan error, 1)

	go func() {
		defer close(msgChan)
		defer close(errChan)

		for {
			m, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errChan <- fmt.Errorf("failed to fetch message: %w", err)
				return
			}

			req, perr := ParseRequest(m.Value)
			if req.Source == "" {
				req.Source = "kafka"
			}

			select {
			case msgChan <- Message{Request: req, Offset: m.Offset, Err: perr, Raw: m}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return msgChan, errChan
}

// Commit commits the offset of msg
func (c *KafkaConsumer) Commit(ctx context.Context, msg Message) error {
	return c.reader.CommitMessages(ctx, msg.Raw)
}

// Close gracefully shuts down the consumer
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
