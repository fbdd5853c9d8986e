package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/kubev2v/bot-runner/internal/config"
	"github.com/segmentio/kafka-go"
)

const (
	SinkStdout = "stdout"
	SinkKafka  = "kafka"
)

// KafkaWriter publishes one kafka message per line, keyed by job id so the
// lines of a job stay ordered within a partition. The value is the raw line,
// the event attributes travel as headers.
type KafkaWriter struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaWriter(brokers []string) (*KafkaWriter, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka writer needs at least one broker")
	}
	return &KafkaWriter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		timeout: 10 * time.Second,
	}, nil
}

func (k *KafkaWriter) Write(ctx context.Context, topic string, e cloudevents.Event) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	if err := k.writer.WriteMessages(ctx, toKafkaMessage(topic, e)); err != nil {
		return fmt.Errorf("publishing line of job %s: %w", e.Subject(), err)
	}
	return nil
}

func (k *KafkaWriter) Close(_ context.Context) error {
	return k.writer.Close()
}

func toKafkaMessage(topic string, e cloudevents.Event) kafka.Message {
	return kafka.Message{
		Topic: topic,
		Key:   []byte(e.Subject()),
		Value: e.Data(),
		Time:  e.Time(),
		Headers: []kafka.Header{
			{Key: "ce_id", Value: []byte(e.ID())},
			{Key: "ce_type", Value: []byte(e.Type())},
			{Key: "ce_source", Value: []byte(e.Source())},
			{Key: "content-type", Value: []byte(e.DataContentType())},
		},
	}
}

// NewProducer builds the line producer for the configured sink.
func NewProducer(cfg *config.Config) (*LineProducer, error) {
	var w Writer
	switch cfg.Events.Sink {
	case SinkStdout, "":
		w = &StdoutWriter{}
	case SinkKafka:
		kw, err := NewKafkaWriter(cfg.Events.Brokers)
		if err != nil {
			return nil, err
		}
		w = kw
	default:
		return nil, fmt.Errorf("unknown events sink %q", cfg.Events.Sink)
	}
	return NewLineProducer(w, WithOutputTopic(cfg.Events.Topic)), nil
}
