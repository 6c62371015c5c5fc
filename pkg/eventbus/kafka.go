package eventbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventID     = "finflow-event-id"
	HeaderEventType   = "finflow-event-type"
	HeaderRetryCount  = "finflow-retry-count"
	HeaderRetryAt     = "finflow-retry-at"
	HeaderOriginTopic = "finflow-origin-topic"
	HeaderDLQError    = "finflow-dlq-error"
)

type KafkaProducerConfig struct {
	Brokers    []string
	ClientID   string
	EventTopic string
	RetryTopic string
	DLQTopic   string
}

type KafkaProducer struct {
	writer     *kafka.Writer
	eventTopic string
	retryTopic string
	dlqTopic   string
}

func NewKafkaProducer(cfg KafkaProducerConfig) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Balancer: &kafka.Hash{},
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
		RequiredAcks: kafka.RequireAll,
	}

	return &KafkaProducer{
		writer:     writer,
		eventTopic: cfg.EventTopic,
		retryTopic: cfg.RetryTopic,
		dlqTopic:   cfg.DLQTopic,
	}
}

func (p *KafkaProducer) PublishEvent(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	return p.publish(ctx, p.eventTopic, key, value, headers)
}

func (p *KafkaProducer) PublishRetry(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	if p.retryTopic == "" {
		return errors.New("retry topic is not configured")
	}
	return p.publish(ctx, p.retryTopic, key, value, headers)
}

func (p *KafkaProducer) PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	if p.dlqTopic == "" {
		return errors.New("dlq topic is not configured")
	}
	return p.publish(ctx, p.dlqTopic, key, value, headers)
}

func (p *KafkaProducer) publish(ctx context.Context, topic string, key, value []byte, headers []kafka.Header) error {
	if topic == "" {
		return errors.New("topic is not configured")
	}

	message := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}

	return p.writer.WriteMessages(ctx, message)
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// Header returns the value of the first header named key.
func Header(message kafka.Message, key string) string {
	for _, header := range message.Headers {
		if header.Key == key {
			return string(header.Value)
		}
	}
	return ""
}

// EventID extracts the idempotency key of a message: the event id header,
// then the message key, then an event_id field in the JSON value.
func EventID(message kafka.Message) string {
	if id := Header(message, HeaderEventID); id != "" {
		return id
	}

	if len(message.Key) > 0 {
		return string(message.Key)
	}

	var payload struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(message.Value, &payload); err == nil {
		return payload.EventID
	}

	return ""
}

func AppendHeaders(existing []kafka.Header, headers ...kafka.Header) []kafka.Header {
	merged := make([]kafka.Header, 0, len(existing)+len(headers))
	merged = append(merged, existing...)
	merged = append(merged, headers...)
	return merged
}

type DLQPayload struct {
	OriginTopic string            `json:"origin_topic"`
	Partition   int               `json:"partition"`
	Offset      int64             `json:"offset"`
	Key         string            `json:"key"`
	Headers     map[string]string `json:"headers"`
	Value       string            `json:"value"`
	Error       string            `json:"error"`
	FailedAt    time.Time         `json:"failed_at"`
}

func EncodeDLQPayload(message kafka.Message, err error) ([]byte, error) {
	headers := make(map[string]string, len(message.Headers))
	for _, header := range message.Headers {
		headers[header.Key] = string(header.Value)
	}

	payload := DLQPayload{
		OriginTopic: message.Topic,
		Partition:   message.Partition,
		Offset:      message.Offset,
		Key:         string(message.Key),
		Headers:     headers,
		Value:       base64.StdEncoding.EncodeToString(message.Value),
		Error:       err.Error(),
		FailedAt:    time.Now(),
	}

	return json.Marshal(payload)
}
