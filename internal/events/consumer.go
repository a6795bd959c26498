package events

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/mmeshcher/ararat-backend/internal/logging"
	"github.com/mmeshcher/ararat-backend/internal/model"
)

// Dispatcher рассылает уведомление на устройства пользователя.
type Dispatcher interface {
	OnNotificationCreated(ctx context.Context, n model.Notification) model.DispatchResult
}

// Consumer передаёт каждое событие создания уведомления в диспетчер ровно один раз.
type Consumer struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewConsumer создаёт потребителя событий уведомлений.
func NewConsumer(dispatcher Dispatcher, logger *zap.Logger) *Consumer {
	return &Consumer{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Start читает топик до отмены контекста.
func (c *Consumer) Start(ctx context.Context, brokers []string, groupID, topic string) error {
	consumerGroup := NewConsumerGroup(
		brokers,
		groupID,
		[]string{topic},
		c.processMessage,
		c.logger,
	)

	return consumerGroup.Run(ctx)
}

// processMessage возвращает ошибку только при остановке: такое сообщение не фиксируется
// и будет прочитано повторно. Результат рассылки, включая её сбой, сообщение фиксирует.
func (c *Consumer) processMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var n model.Notification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		logging.Warn(ctx, c.logger, "undecodable notification event skipped",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return nil
	}

	if n.ID == "" && msg.Key != nil {
		n.ID = string(msg.Key)
	}

	res := c.dispatcher.OnNotificationCreated(ctx, n)
	if res.Err != nil {
		logging.Warn(ctx, c.logger, "notification dispatch failed",
			zap.String("notificationId", n.ID), zap.Error(res.Err))
	}

	return nil
}
