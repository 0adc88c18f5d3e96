package output

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/IBM/sarama"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/reliability"
	"github.com/therealutkarshpriyadarshi/sqllog/pkg/types"
)

// KafkaConfig contains Kafka-specific configuration
type KafkaConfig struct {
	Name    string
	Brokers []string
	Topic   string

	// RequiredAcks specifies the number of acknowledgments required (0, 1, -1)
	RequiredAcks int16

	// CompressionCodec specifies the compression codec (none, gzip, snappy, lz4, zstd)
	CompressionCodec string

	MaxMessageBytes int

	EnableTLS     bool
	TLS           *tls.Config // nil uses the system roots
	SASLEnabled   bool
	SASLMechanism string // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	SASLUsername  string
	SASLPassword  string

	ClientID string
	Version  string
}

// DefaultKafkaConfig returns default Kafka configuration
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:          []string{"localhost:9092"},
		Topic:            "dm-sqllog",
		RequiredAcks:     1,
		CompressionCodec: "none",
		MaxMessageBytes:  1000000,
		ClientID:         "sqllog",
		Version:          "3.0.0",
	}
}

// KafkaSink publishes events to a topic, keyed by session so that one
// session's statements stay ordered within a partition.
type KafkaSink struct {
	config   KafkaConfig
	producer sarama.SyncProducer
	closed   atomic.Bool
}

// NewSaramaConfig builds the producer configuration for cfg.
func NewSaramaConfig(config KafkaConfig) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(config.RequiredAcks)
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	// Retries are handled by the pipeline, so that exhausted batches can
	// reach the dead letter queue.
	saramaConfig.Producer.Retry.Max = 0
	if config.ClientID != "" {
		saramaConfig.ClientID = config.ClientID
	}

	switch config.CompressionCodec {
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	case "", "none":
		saramaConfig.Producer.Compression = sarama.CompressionNone
	default:
		return nil, fmt.Errorf("unsupported kafka compression codec: %s", config.CompressionCodec)
	}

	if config.MaxMessageBytes > 0 {
		saramaConfig.Producer.MaxMessageBytes = config.MaxMessageBytes
	}

	if config.Version != "" {
		version, err := sarama.ParseKafkaVersion(config.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version: %w", err)
		}
		saramaConfig.Version = version
	}

	if config.SASLEnabled {
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = config.SASLUsername
		saramaConfig.Net.SASL.Password = config.SASLPassword

		switch config.SASLMechanism {
		case "SCRAM-SHA-256":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	if config.EnableTLS {
		saramaConfig.Net.TLS.Enable = true
		saramaConfig.Net.TLS.Config = config.TLS
	}

	if err := saramaConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka configuration: %w", err)
	}
	return saramaConfig, nil
}

// NewKafkaSink connects a producer to the configured brokers
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("no topic specified")
	}

	saramaConfig, err := NewSaramaConfig(config)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(config, producer), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(config KafkaConfig, producer sarama.SyncProducer) *KafkaSink {
	return &KafkaSink{config: config, producer: producer}
}

// Send publishes a batch of events
func (k *KafkaSink) Send(ctx context.Context, events []*types.RecordEvent) error {
	if k.closed.Load() {
		return ErrClosed
	}
	if len(events) == 0 {
		return nil
	}

	messages := make([]*sarama.ProducerMessage, 0, len(events))
	for _, event := range events {
		msg, err := k.buildMessage(event)
		if err != nil {
			return reliability.Permanent(err)
		}
		messages = append(messages, msg)
	}

	err := k.producer.SendMessages(messages)
	if err == nil {
		return nil
	}

	cause, failed := err, len(events)
	var perrs sarama.ProducerErrors
	if errors.As(err, &perrs) && len(perrs) > 0 {
		cause, failed = perrs[0].Err, len(perrs)
	}
	err = fmt.Errorf("%d out of %d events failed to send: %w", failed, len(events), cause)
	if errors.Is(cause, sarama.ErrMessageSizeTooLarge) {
		return reliability.Permanent(err)
	}
	return err
}

// buildMessage creates a Kafka producer message from an event
func (k *KafkaSink) buildMessage(event *types.RecordEvent) (*sarama.ProducerMessage, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return &sarama.ProducerMessage{
		Topic: k.config.Topic,
		Key:   sarama.StringEncoder(event.Key()),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("source"), Value: []byte(event.Source)},
		},
	}, nil
}

// Close closes the producer
func (k *KafkaSink) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	return k.producer.Close()
}

// Name returns the sink name
func (k *KafkaSink) Name() string {
	if k.config.Name != "" {
		return k.config.Name
	}
	return "kafka"
}
