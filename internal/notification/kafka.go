package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds the signal topic producer settings
type KafkaConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Brokers      []string      `json:"brokers" yaml:"brokers" validate:"required_if=Enabled true"`
	Topic        string        `json:"topic" yaml:"topic" default:"smc.signals"`
	RequiredAcks int           `json:"required_acks" yaml:"required_acks" default:"-1" validate:"oneof=-1 0 1"`
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts" default:"3"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" default:"10s"`
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout" default:"100ms"`
}

// messageWriter is the part of *kafka.Writer the notifier uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes signals as JSON keyed by instrument, so every
// signal for one instrument lands on the same partition in order
type KafkaNotifier struct {
	writer  messageWriter
	topic   string
	enabled bool
}

// NewKafkaNotifier creates a notifier writing to cfg.Topic
func NewKafkaNotifier(cfg KafkaConfig) (*KafkaNotifier, error) {
	if !cfg.Enabled {
		return &KafkaNotifier{topic: cfg.Topic}, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		cfg.Topic = "smc.signals"
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  kafka.Gzip,
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: cfg.BatchTimeout,
	}
	return newKafkaNotifier(w, cfg.Topic), nil
}

func newKafkaNotifier(w messageWriter, topic string) *KafkaNotifier {
	return &KafkaNotifier{writer: w, topic: topic, enabled: true}
}

func (k *KafkaNotifier) Name() string {
	return "kafka"
}

func (k *KafkaNotifier) IsEnabled() bool {
	return k.enabled
}

// Send publishes signal notifications; other types are ignored
func (k *KafkaNotifier) Send(ctx context.Context, n *Notification) error {
	if !k.enabled || n.Type != NotifySignal || n.Signal == nil {
		return nil
	}

	value, err := json.Marshal(n.Signal)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	msg := kafka.Message{
		Topic: k.topic,
		Key:   []byte(n.Signal.Instrument),
		Value: value,
		Time:  n.Timestamp,
		Headers: []kafka.Header{
			{Key: "signal_id", Value: []byte(n.Signal.ID)},
			{Key: "grade", Value: []byte(n.Signal.Grade)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish signal %s: %w", n.Signal.ID, err)
	}
	return nil
}

// Close flushes and closes the writer
func (k *KafkaNotifier) Close() error {
	if k.writer != nil {
		return k.writer.Close()
	}
	return nil
}
