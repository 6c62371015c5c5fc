package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/finflow/finflow/pkg/eventbus"
	"github.com/finflow/finflow/pkg/metrics"
	"github.com/finflow/finflow/pkg/outbox"
)

const (
	defaultRetryLimit   = 3
	defaultRetryBackoff = 10 * time.Second
	fetchErrorPause     = time.Second
)

// Job is one decision event delivered to the issuance worker.
type Job struct {
	EventID   string
	EventType string
	Message   outbox.Message
	Attempt   int
}

type JobHandler func(context.Context, *Job) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that retrying cannot fix; the message goes
// straight to the dead letter topic.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var permanent *permanentError
	return errors.As(err, &permanent)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher interface {
	PublishRetry(ctx context.Context, key, value []byte, headers ...kafka.Header) error
	PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

type ConsumerConfig struct {
	Brokers      []string
	ClientID     string
	GroupID      string
	Topic        string
	RetryTopic   string
	MaxRetries   int
	RetryBackoff time.Duration
}

// Consumer reads the approval event topic and its retry topic, committing an
// offset only after the message was handled or routed to retry/DLQ. Fetchers
// start with the first Consume call and run until Close, so messages fetched
// but not yet handled survive a Consume call returning early.
type Consumer struct {
	reader       messageReader
	retryReader  messageReader
	publisher    Publisher
	deduper      eventbus.Deduper
	logger       *zap.Logger
	retryTopic   string
	maxRetry     int
	retryBackoff time.Duration

	messages  chan queuedMessage
	errs      chan error
	startOnce sync.Once
	fetchCtx  context.Context
	stop      context.CancelFunc
	fetchers  sync.WaitGroup
}

func NewConsumer(cfg ConsumerConfig, publisher Publisher, deduper eventbus.Deduper, logger *zap.Logger) *Consumer {
	dialer := &kafka.Dialer{ClientID: cfg.ClientID}

	var retryReader messageReader
	if cfg.RetryTopic != "" {
		retryReader = kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			GroupID: cfg.GroupID,
			Topic:   cfg.RetryTopic,
			Dialer:  dialer,
		})
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
		Dialer:  dialer,
	})

	return newConsumer(reader, retryReader, publisher, deduper, logger, cfg)
}

func newConsumer(reader, retryReader messageReader, publisher Publisher, deduper eventbus.Deduper, logger *zap.Logger, cfg ConsumerConfig) *Consumer {
	maxRetry := cfg.MaxRetries
	if maxRetry < 0 {
		maxRetry = defaultRetryLimit
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	if deduper == nil {
		deduper = eventbus.NewMemoryDeduper(0)
	}
	fetchCtx, stop := context.WithCancel(context.Background())
	return &Consumer{
		reader:       reader,
		retryReader:  retryReader,
		publisher:    publisher,
		deduper:      deduper,
		logger:       logger,
		retryTopic:   cfg.RetryTopic,
		maxRetry:     maxRetry,
		retryBackoff: backoff,
		messages:     make(chan queuedMessage, 2),
		errs:         make(chan error, 2),
		fetchCtx:     fetchCtx,
		stop:         stop,
	}
}

func (c *Consumer) Consume(ctx context.Context, handler JobHandler) error {
	if c.reader == nil {
		return errors.New("execution queue reader is not configured")
	}
	if handler == nil {
		return errors.New("job handler is required")
	}

	c.startOnce.Do(c.startFetchers)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.errs:
			return err
		case msg := <-c.messages:
			if err := c.handleMessage(ctx, msg, handler); err != nil {
				return err
			}
		}
	}
}

type queuedMessage struct {
	reader  messageReader
	message kafka.Message
}

func (c *Consumer) startFetchers() {
	c.fetchers.Add(1)
	go c.consumeReader(c.reader)

	if c.retryReader != nil {
		c.fetchers.Add(1)
		go c.consumeReader(c.retryReader)
	}
}

func (c *Consumer) consumeReader(reader messageReader) {
	defer c.fetchers.Done()
	ctx := c.fetchCtx

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			select {
			case c.errs <- err:
			case <-ctx.Done():
				return
			}
			if waitUntil(ctx, time.Now().Add(fetchErrorPause)) != nil {
				return
			}
			continue
		}
		select {
		case c.messages <- queuedMessage{reader: reader, message: msg}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg queuedMessage, handler JobHandler) error {
	if msg.message.Topic == c.retryTopic && c.retryTopic != "" {
		if err := waitUntil(ctx, retryTime(msg.message)); err != nil {
			return err
		}
	}

	eventID := eventbus.EventID(msg.message)
	seen, err := c.deduper.Seen(ctx, eventID)
	if err != nil {
		c.logger.Warn("dedupe lookup failed", zap.Error(err), zap.String("event_id", eventID))
	}
	if seen {
		metrics.QueueMessagesTotal.WithLabelValues("duplicate").Inc()
		return c.commit(ctx, msg)
	}

	job, err := decodeJob(msg.message)
	if err != nil {
		return c.handleFailure(ctx, msg, Permanent(err))
	}

	if err := handler(ctx, job); err != nil {
		return c.handleFailure(ctx, msg, err)
	}

	if err := c.deduper.MarkSeen(ctx, eventID); err != nil {
		c.logger.Warn("failed to record handled event", zap.Error(err), zap.String("event_id", eventID))
	}
	metrics.QueueMessagesTotal.WithLabelValues("handled").Inc()
	return c.commit(ctx, msg)
}

func waitUntil(ctx context.Context, at time.Time) error {
	if at.IsZero() {
		return nil
	}
	delay := time.Until(at)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func decodeJob(message kafka.Message) (*Job, error) {
	var body outbox.Message
	if err := json.Unmarshal(message.Value, &body); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	eventType := eventbus.Header(message, eventbus.HeaderEventType)
	if eventType == "" {
		eventType = body.EventType
	}
	return &Job{
		EventID:   eventbus.EventID(message),
		EventType: eventType,
		Message:   body,
		Attempt:   retryAttempt(message),
	}, nil
}

func (c *Consumer) handleFailure(ctx context.Context, msg queuedMessage, handlerErr error) error {
	retryCount := retryAttempt(msg.message)

	if !IsPermanent(handlerErr) && retryCount < c.maxRetry && c.retryTopic != "" {
		retryAt := time.Now().Add(calculateBackoff(c.retryBackoff, retryCount+1))
		headers := eventbus.AppendHeaders(stripRetryHeaders(msg.message.Headers),
			kafka.Header{Key: eventbus.HeaderRetryCount, Value: []byte(strconv.Itoa(retryCount + 1))},
			kafka.Header{Key: eventbus.HeaderRetryAt, Value: []byte(retryAt.Format(time.RFC3339Nano))},
			kafka.Header{Key: eventbus.HeaderOriginTopic, Value: []byte(msg.message.Topic)},
		)
		if err := c.publisher.PublishRetry(ctx, msg.message.Key, msg.message.Value, headers...); err != nil {
			return err
		}
		c.logger.Warn("job failed, scheduled retry",
			zap.Error(handlerErr),
			zap.Int("attempt", retryCount+1),
			zap.Time("retry_at", retryAt),
		)
		metrics.QueueMessagesTotal.WithLabelValues("retried").Inc()
		return c.commit(ctx, msg)
	}

	payload, err := eventbus.EncodeDLQPayload(msg.message, handlerErr)
	if err != nil {
		return err
	}
	headers := []kafka.Header{
		{Key: eventbus.HeaderOriginTopic, Value: []byte(msg.message.Topic)},
		{Key: eventbus.HeaderDLQError, Value: []byte(handlerErr.Error())},
	}
	if err := c.publisher.PublishDLQ(ctx, msg.message.Key, payload, headers...); err != nil {
		return err
	}
	c.logger.Error("job moved to dead letter topic", zap.Error(handlerErr), zap.Int("attempts", retryCount))
	metrics.QueueMessagesTotal.WithLabelValues("dead_lettered").Inc()
	return c.commit(ctx, msg)
}

func (c *Consumer) commit(ctx context.Context, msg queuedMessage) error {
	if err := msg.reader.CommitMessages(ctx, msg.message); err != nil {
		return fmt.Errorf("commit offset: %w", err)
	}
	return nil
}

func calculateBackoff(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
}

func retryAttempt(message kafka.Message) int {
	count, err := strconv.Atoi(eventbus.Header(message, eventbus.HeaderRetryCount))
	if err != nil {
		return 0
	}
	return count
}

func retryTime(message kafka.Message) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, eventbus.Header(message, eventbus.HeaderRetryAt))
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func stripRetryHeaders(headers []kafka.Header) []kafka.Header {
	kept := make([]kafka.Header, 0, len(headers))
	for _, header := range headers {
		switch header.Key {
		case eventbus.HeaderRetryCount, eventbus.HeaderRetryAt, eventbus.HeaderOriginTopic:
			continue
		}
		kept = append(kept, header)
	}
	return kept
}

// Close stops the fetchers, waits for them and closes the readers.
func (c *Consumer) Close() error {
	c.stop()
	c.fetchers.Wait()
	if err := c.reader.Close(); err != nil {
		return err
	}
	if c.retryReader != nil {
		return c.retryReader.Close()
	}
	return nil
}
