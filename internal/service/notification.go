package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/ararat-backend/internal/logging"
	"github.com/mmeshcher/ararat-backend/internal/model"
	"github.com/mmeshcher/ararat-backend/internal/repository"
)

const (
	pushTitle               = "АРАРАТ"
	defaultPushBody         = "У вас новое уведомление"
	defaultNotificationType = "general"
	clickAction             = "FLUTTER_NOTIFICATION_CLICK"

	maxConcurrentDeletes = 16
)

// FailureKind классифицирует неуспешную доставку на токен.
type FailureKind int

const (
	// FailureTransient не требует никаких действий с токеном.
	FailureTransient FailureKind = iota
	// FailurePermanent означает, что регистрация устройства больше недействительна.
	FailurePermanent
)

// Подстроки текста ошибки платформы, после которых токен удаляется. Сравнение регистрозависимое.
var permanentFailureMarkers = []string{"not registered", "invalid", "unavailable"}

// ClassifyFailure определяет вид сбоя по тексту ошибки платформы доставки.
func ClassifyFailure(reason string) FailureKind {
	for _, marker := range permanentFailureMarkers {
		if strings.Contains(reason, marker) {
			return FailurePermanent
		}
	}
	return FailureTransient
}

// Коды платформы, после которых токен удаляется независимо от текста ошибки.
var permanentFailureCodes = map[string]bool{
	model.FailureCodeUnregistered:     true,
	model.FailureCodeSenderIDMismatch: true,
}

func classifyResult(r model.SendResult) FailureKind {
	if permanentFailureCodes[r.Code] {
		return FailurePermanent
	}
	return ClassifyFailure(r.Reason)
}

// TokenRepository описывает операции хранилища с токенами устройств.
type TokenRepository interface {
	GetUserTokens(ctx context.Context, userID string) ([]model.DeviceToken, error)
	DeleteUserToken(ctx context.Context, userID, token string) error
}

// PushTransport отправляет одно сообщение на набор токенов одним вызовом.
type PushTransport interface {
	SendMulticast(ctx context.Context, tokens []string, msg model.PushMessage) ([]model.SendResult, error)
}

// NotificationDispatcher рассылает push-уведомления при создании записи уведомления
// и удаляет токены устройств, которые платформа считает недействительными.
type NotificationDispatcher struct {
	tokens      TokenRepository
	push        PushTransport
	pushTimeout time.Duration
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewNotificationDispatcher создаёт диспетчер уведомлений.
func NewNotificationDispatcher(tokens TokenRepository, push PushTransport, pushTimeout time.Duration, logger *zap.Logger) *NotificationDispatcher {
	return &NotificationDispatcher{
		tokens:      tokens,
		push:        push,
		pushTimeout: pushTimeout,
		logger:      logger,
		tracer:      otel.Tracer("ararat/service/notification"),
	}
}

// BuildPushMessage формирует полезную нагрузку уведомления с подстановкой значений по умолчанию.
func BuildPushMessage(n model.Notification) model.PushMessage {
	body := n.Message
	if body == "" {
		body = defaultPushBody
	}

	notificationType := n.Type
	if notificationType == "" {
		notificationType = defaultNotificationType
	}

	return model.PushMessage{
		Title: pushTitle,
		Body:  body,
		Data: map[string]string{
			"type":         notificationType,
			"orderId":      n.OrderID,
			"click_action": clickAction,
		},
	}
}

// OnNotificationCreated отправляет уведомление на все устройства пользователя.
// Ошибка вызывающему не возвращается: сбой рассылки целиком попадает в DispatchResult.Err.
func (d *NotificationDispatcher) OnNotificationCreated(ctx context.Context, n model.Notification) model.DispatchResult {
	ctx, span := d.tracer.Start(ctx, "NotificationDispatcher.OnNotificationCreated")
	defer span.End()

	span.SetAttributes(
		attribute.String("notification_id", n.ID),
		attribute.String("user_id", n.UserID),
	)

	if n.UserID == "" {
		logging.Info(ctx, d.logger, "notification without userId, push skipped", zap.String("notificationId", n.ID))
		return model.DispatchResult{Skipped: true}
	}

	fields := []zap.Field{zap.String("userId", n.UserID), zap.String("notificationId", n.ID)}

	deviceTokens, err := d.tokens.GetUserTokens(ctx, n.UserID)
	if err != nil {
		span.RecordError(err)
		logging.Error(ctx, d.logger, "load device tokens error", append(fields, zap.Error(err))...)
		return model.DispatchResult{Err: fmt.Errorf("load device tokens: %w", err)}
	}

	if len(deviceTokens) == 0 {
		logging.Info(ctx, d.logger, "no registered devices for user", fields...)
		return model.DispatchResult{Skipped: true}
	}

	tokens := make([]string, 0, len(deviceTokens))
	for _, t := range deviceTokens {
		tokens = append(tokens, t.Token)
	}

	logging.Info(ctx, d.logger, "sending push notification", append(fields, zap.Int("devices", len(tokens)))...)

	sendCtx, cancel := context.WithTimeout(ctx, d.pushTimeout)
	results, err := d.push.SendMulticast(sendCtx, tokens, BuildPushMessage(n))
	cancel()
	if err != nil {
		span.RecordError(err)
		logging.Error(ctx, d.logger, "send push notification error", append(fields, zap.Error(err))...)
		return model.DispatchResult{Total: len(tokens), Err: fmt.Errorf("send multicast: %w", err)}
	}

	res := model.DispatchResult{Total: len(tokens)}

	var (
		stale  []string
		failed []string
	)
	for _, r := range results {
		if r.Success {
			res.Successes++
			continue
		}

		res.Failures++
		failed = append(failed, r.Token+": "+r.Reason)
		if classifyResult(r) == FailurePermanent {
			stale = append(stale, r.Token)
		}
	}

	logging.Info(ctx, d.logger, "push notification sent",
		append(fields, zap.Int("successes", res.Successes), zap.Int("total", res.Total))...)

	if res.Failures > 0 {
		logging.Warn(ctx, d.logger, "push delivery failures", append(fields, zap.Strings("failed", failed))...)
	}

	res.Pruned = d.prune(ctx, n.UserID, stale)

	span.SetAttributes(
		attribute.Int("push.successes", res.Successes),
		attribute.Int("push.failures", res.Failures),
		attribute.Int("push.pruned", res.Pruned),
	)

	return res
}

// prune удаляет токены параллельно. Ошибка удаления одного токена не прерывает удаление остальных.
func (d *NotificationDispatcher) prune(ctx context.Context, userID string, tokens []string) int {
	if len(tokens) == 0 {
		return 0
	}

	var (
		g      errgroup.Group
		pruned atomic.Int64
	)
	g.SetLimit(maxConcurrentDeletes)

	for _, token := range tokens {
		g.Go(func() error {
			err := d.tokens.DeleteUserToken(ctx, userID, token)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				logging.Error(ctx, d.logger, "delete device token error",
					zap.String("userId", userID), zap.String("token", token), zap.Error(err))
				return nil
			}
			pruned.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	logging.Info(ctx, d.logger, "invalid device tokens removed",
		zap.String("userId", userID), zap.Int64("removed", pruned.Load()), zap.Int("scheduled", len(tokens)))

	return int(pruned.Load())
}
