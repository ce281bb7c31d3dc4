// Package telemetry ingests device-originated view events and status
// heartbeats: validation, quota, dedup, then the Kafka/Influx sinks.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer holds the writers for the validated view-event topic and the DLQ.
type Producer struct {
	views *kafka.Writer
	dlq   *kafka.Writer
}

// ProducerOpts configures both writers.
type ProducerOpts struct {
	Brokers      []string
	ViewsTopic   string
	DLQTopic     string
	Compression  string
	RequiredAcks string
	BatchTimeout time.Duration
	MaxAttempts  int
}

func NewProducer(o ProducerOpts) (*Producer, error) {
	comp, err := parseCompression(o.Compression)
	if err != nil {
		return nil, err
	}
	acks, err := parseAcks(o.RequiredAcks)
	if err != nil {
		return nil, err
	}
	build := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(o.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // partition by device key
			Compression:  comp,
			RequiredAcks: acks,
			BatchTimeout: o.BatchTimeout,
			MaxAttempts:  o.MaxAttempts,
		}
	}
	return &Producer{views: build(o.ViewsTopic), dlq: build(o.DLQTopic)}, nil
}

func (p *Producer) SendView(ctx context.Context, key, value []byte) error {
	return p.views.WriteMessages(ctx, kafka.Message{Key: key, Value: value})
}

// SendDLQ wraps the rejected payload in the dead-letter envelope and writes
// it to the DLQ topic.
func (p *Producer) SendDLQ(ctx context.Context, cause error, topic string, original []byte) error {
	envelope := map[string]any{
		"error":      cause.Error(),
		"original":   json.RawMessage(original),
		"topic":      topic,
		"receivedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	buf, err := json.Marshal(envelope)
	if err != nil {
		// original was not valid JSON; carry it as a string instead
		envelope["original"] = string(original)
		buf, _ = json.Marshal(envelope)
	}
	return p.dlq.WriteMessages(ctx, kafka.Message{Key: []byte("invalid"), Value: buf})
}

func (p *Producer) Close() error {
	err := p.views.Close()
	if derr := p.dlq.Close(); err == nil {
		err = derr
	}
	return err
}

func parseCompression(s string) (kafka.Compression, error) {
	switch s {
	case "none", "":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("unknown kafka compression %q", s)
	}
}

func parseAcks(s string) (kafka.RequiredAcks, error) {
	switch s {
	case "none":
		return kafka.RequireNone, nil
	case "one":
		return kafka.RequireOne, nil
	case "all":
		return kafka.RequireAll, nil
	default:
		return 0, fmt.Errorf("unknown kafka required acks %q", s)
	}
}
