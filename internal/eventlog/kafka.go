package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/livinlefevreloca/tideline/internal/db"
)

// KafkaConfig configures the optional run event mirror.
type KafkaConfig struct {
	Enabled      bool          `toml:"enabled"`
	Brokers      []string      `toml:"brokers"`
	Topic        string        `toml:"topic"`
	BatchTimeout time.Duration `toml:"batch_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes run events to a topic keyed by run id, so the events
// of one run stay ordered within a partition.
type KafkaPublisher struct {
	writer       messageWriter
	writeTimeout time.Duration
}

// NewKafkaPublisher creates a publisher for cfg
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("eventlog: kafka brokers and topic must be set")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: batchTimeout,
		Async:        false,
	}
	return newKafkaPublisher(writer, cfg.WriteTimeout), nil
}

func newKafkaPublisher(w messageWriter, writeTimeout time.Duration) *KafkaPublisher {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &KafkaPublisher{writer: w, writeTimeout: writeTimeout}
}

// Publish implements Publisher
func (p *KafkaPublisher) Publish(ctx context.Context, ev db.RunEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.RunID),
		Value: value,
		Time:  ev.CreatedAt,
		Headers: []kafka.Header{
			{Key: "level", Value: []byte(ev.Level)},
		},
	})
}

// Close implements Publisher
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
