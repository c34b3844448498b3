package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/livegate/livegate/backend/internal/gateway"
)

// SecurityEvent is the wire form of a gateway decision published for
// downstream abuse-analysis consumers.
type SecurityEvent struct {
	ID           string    `json:"id"`
	IP           string    `json:"ip"`
	UserID       string    `json:"user_id,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	EventType    string    `json:"event_type"`
	EventName    string    `json:"event_name,omitempty"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

// Producer publishes high-severity gateway decisions to a kafka topic. It
// implements gateway.AuditSink and silently skips low-severity entries.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer builds a kafka writer for the given brokers and topic.
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &Producer{writer: writer}
}

// Write implements gateway.AuditSink. Only high and critical entries leave
// the node; the full log stays queryable locally.
func (p *Producer) Write(entry gateway.AuditEntry) error {
	if entry.Severity != gateway.SeverityHigh && entry.Severity != gateway.SeverityCritical {
		return nil
	}

	ev := SecurityEvent{
		ID:           entry.ID,
		IP:           entry.IP,
		UserID:       entry.UserID,
		ConnectionID: entry.ConnectionID,
		EventType:    entry.EventType,
		EventName:    entry.EventName,
		Severity:     string(entry.Severity),
		Message:      entry.Message,
		Timestamp:    entry.Timestamp,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.IP),
		Value: data,
		Time:  ev.Timestamp,
	})
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
