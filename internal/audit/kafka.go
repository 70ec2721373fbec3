package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaLog ships audit events to a Kafka topic.
type KafkaLog struct {
	writer *kafka.Writer
}

func NewKafkaLog(brokers []string, topic string) *KafkaLog {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaLog{writer: w}
}

func (k *KafkaLog) Append(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(e)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.RideID), Value: b})
}

func (k *KafkaLog) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
