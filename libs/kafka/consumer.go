package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"log/slog"
)

const (
	consumerMaxAttempts = 3
	consumerRetryWindow = 10 * time.Minute
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:  group,
		logger: logger,
	}, nil
}

// WithDeadLetter routes messages whose handling permanently fails to the
// given topic instead of redelivering them forever.
func (c *Consumer) WithDeadLetter(publisher Publisher, topic string) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(consumerMaxAttempts, consumerRetryWindow),
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

// retryTracker counts handler failures per message so a poison message is
// dead-lettered after maxAttempts redeliveries rather than looping forever.
// Entries older than ttl are evicted; the count restarts for them.
type retryTracker struct {
	mu          sync.Mutex
	maxAttempts int
	ttl         time.Duration
	attempts    map[string]retryEntry
}

type retryEntry struct {
	count    int
	lastSeen time.Time
}

func newRetryTracker(maxAttempts int, ttl time.Duration) *retryTracker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &retryTracker{
		maxAttempts: maxAttempts,
		ttl:         ttl,
		attempts:    make(map[string]retryEntry),
	}
}

func retryKey(msg *sarama.ConsumerMessage) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

func (t *retryTracker) record(msg *sarama.ConsumerMessage) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for key, entry := range t.attempts {
		if now.Sub(entry.lastSeen) > t.ttl {
			delete(t.attempts, key)
		}
	}

	key := retryKey(msg)
	entry := t.attempts[key]
	entry.count++
	entry.lastSeen = now
	if entry.count >= t.maxAttempts {
		delete(t.attempts, key)
		return entry.count, true
	}
	t.attempts[key] = entry
	return entry.count, false
}

func (t *retryTracker) forget(msg *sarama.ConsumerMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, retryKey(msg))
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		err := h.handler.HandleMessage(session.Context(), msg)
		if err == nil {
			if h.retryTracker != nil {
				h.retryTracker.forget(msg)
			}
			session.MarkMessage(msg, "")
			continue
		}

		h.logger.Error("kafka message handler error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)

		// A DLQError is permanent; anything else gets redelivered until
		// the tracker gives up on it.
		var dlqErr *DLQError
		permanent := errors.As(err, &dlqErr)
		attempts := 1
		if !permanent {
			if h.retryTracker == nil {
				continue
			}
			var exhausted bool
			attempts, exhausted = h.retryTracker.record(msg)
			if !exhausted {
				continue
			}
			dlqErr = &DLQError{Err: err, Reason: "retries_exhausted"}
		}

		h.deadLetter(session.Context(), msg, dlqErr, attempts)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, dlqErr *DLQError, attempts int) {
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		h.logger.Error("dropping message without dead letter topic", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		return
	}
	payload := BuildDLQPayload(msg, dlqErr, attempts)
	if _, _, err := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, string(msg.Key), payload); err != nil {
		h.logger.Error("dead letter publish failed", "topic", h.dlqTopic, "error", err)
	}
}
