package command

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/segmentio/kafka-go"

	"github.com/fabkury/makapix-sub009/internal/gwerr"
)

// DLQ receives intake messages that could not be delivered.
type DLQ interface {
	SendDLQ(ctx context.Context, cause error, topic string, original []byte) error
}

// intakeBody is the shape the web application publishes on the commands
// topic.
type intakeBody struct {
	DeviceKey   string          `json:"device_key"`
	AccountID   int64           `json:"account_id,omitempty"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Intake consumes operator command intents from Kafka and hands them to the
// Sender. Running multiple gateway instances shares the work through the
// consumer group.
type Intake struct {
	reader *kafka.Reader
	sender *Sender
	dlq    DLQ
	logger *log.Logger
}

func NewIntake(brokers []string, topic, groupID string, sender *Sender, dlq DLQ, logger *log.Logger) *Intake {
	return &Intake{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		}),
		sender: sender,
		dlq:    dlq,
		logger: logger,
	}
}

// Run blocks consuming the commands topic until ctx is cancelled. Messages
// are committed whether or not delivery succeeded: rejected intents go to the
// DLQ, never back onto the topic.
func (i *Intake) Run(ctx context.Context) error {
	for {
		msg, err := i.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		i.process(ctx, msg)
		if err := i.reader.CommitMessages(ctx, msg); err != nil {
			i.logger.Printf("[error] command intake commit failed: %v", err)
		}
	}
}

func (i *Intake) process(ctx context.Context, msg kafka.Message) {
	var body intakeBody
	if err := json.Unmarshal(msg.Value, &body); err != nil {
		i.toDLQ(ctx, gwerr.Validationf("command intent is not valid JSON"), msg)
		return
	}
	id, err := i.sender.Send(ctx, body.DeviceKey, body.AccountID, body.CommandType, body.Payload)
	if err != nil {
		ge := gwerr.Classify(err)
		i.logger.Printf("[warn] command intent rejected (device=%s type=%s code=%s): %v", body.DeviceKey, body.CommandType, ge.Code, err)
		i.toDLQ(ctx, ge, msg)
		return
	}
	i.logger.Printf("command intake ok: device=%s type=%s id=%s", body.DeviceKey, body.CommandType, id)
}

func (i *Intake) toDLQ(ctx context.Context, cause error, msg kafka.Message) {
	if err := i.dlq.SendDLQ(ctx, cause, msg.Topic, msg.Value); err != nil {
		i.logger.Printf("[error] command DLQ write failed: %v", err)
	}
}

func (i *Intake) Close() error { return i.reader.Close() }
