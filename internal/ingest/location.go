// Package ingest moves driver position updates between the API, Kafka and
// the driver directory.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/kafka-go"

	"github.com/example/rideshare-core/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes driver locations keyed by driver id, so every
// update of one driver lands on the same partition in order.
type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal location %s: %w", d.ID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b}); err != nil {
		return fmt.Errorf("publish location %s: %w", d.ID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

var validate = validator.New()

// DecodeLocation parses and validates one location update.
func DecodeLocation(b []byte) (models.Driver, error) {
	var d models.Driver
	if err := json.Unmarshal(b, &d); err != nil {
		return models.Driver{}, fmt.Errorf("decode location: %w", err)
	}
	if err := ValidateLocation(d); err != nil {
		return models.Driver{}, err
	}
	if d.Updated.IsZero() {
		d.Updated = time.Now().UTC()
	}
	return d, nil
}

func ValidateLocation(d models.Driver) error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid location: %w", err)
	}
	return nil
}
