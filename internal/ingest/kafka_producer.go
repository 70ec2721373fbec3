package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// Heartbeat is the wire shape published for each driver heartbeat and
// consumed by the geo-index updater.
type Heartbeat struct {
	DriverID string       `json:"driver_id"`
	Loc      models.Coord `json:"loc"`
	Online   bool         `json:"online"`
	AtMs     int64        `json:"at_ms"`
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishHeartbeat(hb Heartbeat) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(hb)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(hb.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
