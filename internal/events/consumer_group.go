// Package events доставляет события создания уведомлений из Kafka в диспетчер рассылки.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/ararat-backend/internal/logging"
)

// HandlerFunc обрабатывает одно сообщение. Сообщение фиксируется только при nil-ошибке.
type HandlerFunc func(ctx context.Context, msg *sarama.ConsumerMessage) error

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// ConsumerGroup читает топики в составе группы потребителей.
// После ошибки чтения повтор выполняется с экспоненциальной задержкой от minBackoff до maxBackoff.
type ConsumerGroup struct {
	brokers     []string
	groupID     string
	topics      []string
	handlerFunc HandlerFunc
	logger      *zap.Logger
	minBackoff  time.Duration
	maxBackoff  time.Duration
}

// NewConsumerGroup создаёт группу потребителей.
func NewConsumerGroup(brokers []string, groupID string, topics []string, handlerFunc HandlerFunc, logger *zap.Logger) *ConsumerGroup {
	return &ConsumerGroup{
		brokers:     brokers,
		groupID:     groupID,
		topics:      topics,
		handlerFunc: handlerFunc,
		logger:      logger,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
	}
}

// Run читает сообщения до отмены контекста.
func (c *ConsumerGroup) Run(ctx context.Context) error {
	config := sarama.NewConfig()
	config.Version = sarama.V3_0_0_0
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	group, err := sarama.NewConsumerGroup(c.brokers, c.groupID, config)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}

	defer func() {
		if err := group.Close(); err != nil {
			c.logger.Error("close consumer group error", zap.Error(err))
		}
	}()

	go func() {
		for err := range group.Errors() {
			c.logger.Warn("consumer group error", zap.Error(err))
		}
	}()

	return c.consume(ctx, group, &saramaHandler{
		handler: c.handlerFunc,
		logger:  c.logger,
	})
}

func (c *ConsumerGroup) consume(ctx context.Context, group sarama.ConsumerGroup, handler sarama.ConsumerGroupHandler) error {
	backoff := c.minBackoff

	for {
		err := group.Consume(ctx, c.topics, handler)

		if ctx.Err() != nil {
			logging.Info(ctx, c.logger, "context cancelled, consumer stopped")
			return nil
		}

		if err == nil {
			backoff = c.minBackoff
			continue
		}

		logging.Error(ctx, c.logger, "consume loop error", zap.Error(err), zap.Duration("retryIn", backoff))

		select {
		case <-ctx.Done():
			logging.Info(ctx, c.logger, "context cancelled, consumer stopped")
			return nil
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, c.maxBackoff)
	}
}

type saramaHandler struct {
	handler HandlerFunc
	logger  *zap.Logger
}

func (h *saramaHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *saramaHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *saramaHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx, span := startSpan(session.Context(), msg)

		err := h.handler(ctx, msg)
		if err == nil {
			session.MarkMessage(msg, "")
		} else {
			span.RecordError(err)
			logging.Error(ctx, h.logger, "process message error",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
		span.End()
	}

	return nil
}

// startSpan продолжает трассу из заголовков сообщения.
func startSpan(ctx context.Context, msg *sarama.ConsumerMessage) (context.Context, trace.Span) {
	carrier := propagation.MapCarrier{}
	for _, header := range msg.Headers {
		if header == nil {
			continue
		}
		carrier[string(header.Key)] = string(header.Value)
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	return otel.Tracer("ararat/events/consumer").Start(ctx, "kafka_process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int("messaging.kafka.partition", int(msg.Partition)),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
}
