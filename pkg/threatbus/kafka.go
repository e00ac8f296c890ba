package threatbus

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultTopic   = "threat-events"
	defaultGroupID = "guardian-threatworker"
)

type KafkaConsumer struct {
	reader kafkaReader
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// ConfigFromEnv builds a consumer config from KAFKA_BROKERS, THREAT_TOPIC
// and THREAT_GROUP_ID, applying the subsystem defaults.
func ConfigFromEnv() KafkaConfig {
	cfg := KafkaConfig{
		Topic:   strings.TrimSpace(os.Getenv("THREAT_TOPIC")),
		GroupID: strings.TrimSpace(os.Getenv("THREAT_GROUP_ID")),
	}
	if cfg.Topic == "" {
		cfg.Topic = defaultTopic
	}
	if cfg.GroupID == "" {
		cfg.GroupID = defaultGroupID
	}
	for _, b := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			cfg.Brokers = append(cfg.Brokers, trimmed)
		}
	}
	return cfg
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: r}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Value: msg.Value}, nil
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
