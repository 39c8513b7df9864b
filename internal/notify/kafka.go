package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// KafkaDispatcher produces one message per event, keyed by consultation id so
// events for one consultation stay ordered within a partition.
type KafkaDispatcher struct {
	writer *kafka.Writer
	log    *logrus.Entry
}

func NewKafkaDispatcher(brokers []string, topic string, log *logrus.Entry) *KafkaDispatcher {
	d := &KafkaDispatcher{log: log}
	d.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion:   d.completed,
	}
	return d
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.ConsultationID),
		Value: payload,
	}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("produce notification: %w", err)
	}
	return nil
}

func (d *KafkaDispatcher) completed(msgs []kafka.Message, err error) {
	if err != nil {
		d.log.WithError(err).WithField("messages", len(msgs)).Warn("kafka notification delivery failed")
	}
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}
