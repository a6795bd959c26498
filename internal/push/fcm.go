// Package push доставляет уведомления на устройства через Firebase Cloud Messaging.
package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/sony/gobreaker"
	"google.golang.org/api/option"

	"github.com/mmeshcher/ararat-backend/internal/model"
)

// ErrLengthMismatch возвращается, если платформа вернула число ответов, не равное числу токенов.
var ErrLengthMismatch = errors.New("multicast response count does not match token count")

type multicastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCM отправляет одно сообщение на набор токенов одним вызовом.
type FCM struct {
	client      multicastSender
	breaker     *gobreaker.CircuitBreaker
	failureCode func(error) string
}

// NewFCM создаёт клиента FCM по файлу сервисного аккаунта.
func NewFCM(ctx context.Context, credentialsFile string) (*FCM, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init messaging client: %w", err)
	}

	return newFCM(client), nil
}

func newFCM(client multicastSender) *FCM {
	return &FCM{
		client:      client,
		failureCode: sdkFailureCode,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "fcm",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// SendMulticast отправляет сообщение на все токены и возвращает результат по каждому токену в исходном порядке.
// Ошибка возвращается, только если вызов не состоялся целиком.
func (f *FCM) SendMulticast(ctx context.Context, tokens []string, msg model.PushMessage) ([]model.SendResult, error) {
	message := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
	}

	resp, err := executeWithBreaker(f.breaker, func() (*messaging.BatchResponse, error) {
		return f.client.SendEachForMulticast(ctx, message)
	})
	if err != nil {
		return nil, fmt.Errorf("send multicast: %w", err)
	}

	if len(resp.Responses) != len(tokens) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrLengthMismatch, len(resp.Responses), len(tokens))
	}

	results := make([]model.SendResult, 0, len(tokens))
	for i, r := range resp.Responses {
		res := model.SendResult{Token: tokens[i], Success: r.Success}
		if !r.Success && r.Error != nil {
			res.Reason = r.Error.Error()
			res.Code = f.failureCode(r.Error)
		}
		results = append(results, res)
	}

	return results, nil
}

// sdkFailureCode переводит ошибку SDK в код отказа. Для нераспознанных ошибок возвращает пустую строку.
func sdkFailureCode(err error) string {
	switch {
	case messaging.IsUnregistered(err):
		return model.FailureCodeUnregistered
	case messaging.IsSenderIDMismatch(err):
		return model.FailureCodeSenderIDMismatch
	case messaging.IsInvalidArgument(err):
		return model.FailureCodeInvalidArgument
	case messaging.IsUnavailable(err):
		return model.FailureCodeUnavailable
	default:
		return ""
	}
}

func executeWithBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	res, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return *new(T), err
	}

	return res.(T), nil
}
