// Package service реализует подтверждение платежей и рассылку push-уведомлений.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/ararat-backend/internal/lease"
	"github.com/mmeshcher/ararat-backend/internal/logging"
	"github.com/mmeshcher/ararat-backend/internal/model"
	"github.com/mmeshcher/ararat-backend/internal/repository"
	"github.com/mmeshcher/ararat-backend/internal/validation"
)

var amountTolerance = decimal.RequireFromString("0.01")

// PaymentRepository описывает операции хранилища, нужные для подтверждения платежа.
type PaymentRepository interface {
	GetPayment(ctx context.Context, id string) (*model.Payment, error)
	MarkPaymentScanned(ctx context.Context, id string) (bool, error)
	CompletePayment(ctx context.Context, id string) error
	MarkOrderPaid(ctx context.Context, orderID, status string) error
}

// PaymentService подтверждает платежи по запросу, инициированному сканированием.
type PaymentService struct {
	repo            PaymentRepository
	locker          lease.Locker
	processingDelay time.Duration
	logger          *zap.Logger
	tracer          trace.Tracer
}

// NewPaymentService создаёт сервис подтверждения платежей.
// locker может быть nil: условная запись первого сканирования защищает от гонок и без него.
func NewPaymentService(repo PaymentRepository, locker lease.Locker, processingDelay time.Duration, logger *zap.Logger) *PaymentService {
	return &PaymentService{
		repo:            repo,
		locker:          locker,
		processingDelay: processingDelay,
		logger:          logger,
		tracer:          otel.Tracer("ararat/service/payment"),
	}
}

// Confirm проверяет запрос и переводит платёж и заказ в завершённое состояние.
// Повторный вызов для завершённого платежа возвращает ConfirmAlreadyCompleted без записи.
func (s *PaymentService) Confirm(ctx context.Context, req model.ConfirmRequest) (model.ConfirmResult, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.Confirm")
	defer span.End()

	span.SetAttributes(
		attribute.String("payment_id", req.PaymentID),
		attribute.String("order_id", req.OrderID),
	)

	if !validation.IsValidDocumentID(req.PaymentID) ||
		!validation.IsValidDocumentID(req.OrderID) ||
		!validation.IsFiniteAmount(req.Amount) {
		return "", ErrInvalidRequest
	}

	fields := []zap.Field{zap.String("paymentId", req.PaymentID), zap.String("orderId", req.OrderID)}

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, "payment:"+req.PaymentID)
		if err != nil {
			return "", s.internal(ctx, span, "acquire payment lease", err, fields)
		}
		defer unlock()
	}

	payment, err := s.repo.GetPayment(ctx, req.PaymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrPaymentNotFound
		}
		return "", s.internal(ctx, span, "load payment", err, fields)
	}

	if payment.OrderID != req.OrderID {
		return "", ErrOrderMismatch
	}

	if !amountMatches(payment.Amount, req.Amount) {
		return "", ErrAmountMismatch
	}

	if payment.Status == model.PaymentStatusCompleted {
		logging.Debug(ctx, s.logger, "payment already completed", fields...)
		return model.ConfirmAlreadyCompleted, nil
	}

	if !payment.IsScanned {
		scanned, err := s.repo.MarkPaymentScanned(ctx, req.PaymentID)
		if err != nil {
			return "", s.internal(ctx, span, "mark payment scanned", err, fields)
		}

		if scanned {
			span.AddEvent("first_scan")
			logging.Info(ctx, s.logger, "payment scanned, processing", fields...)

			if err := s.waitProcessing(ctx); err != nil {
				return "", s.internal(ctx, span, "processing delay interrupted", err, fields)
			}
		}
	}

	if err := s.repo.CompletePayment(ctx, req.PaymentID); err != nil {
		return "", s.internal(ctx, span, "complete payment", err, fields)
	}

	if err := s.repo.MarkOrderPaid(ctx, payment.OrderID, model.OrderStatusPaid); err != nil {
		return "", s.internal(ctx, span, "mark order paid", err, fields)
	}

	logging.Info(ctx, s.logger, "payment completed", fields...)

	return model.ConfirmCompleted, nil
}

func (s *PaymentService) waitProcessing(ctx context.Context) error {
	if s.processingDelay <= 0 {
		return nil
	}

	timer := time.NewTimer(s.processingDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *PaymentService) internal(ctx context.Context, span trace.Span, op string, err error, fields []zap.Field) error {
	span.RecordError(err)
	logging.Error(ctx, s.logger, op+" error", append(fields, zap.Error(err))...)
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}

// amountMatches сравнивает суммы в десятичной арифметике: разница ровно 0.01 допустима.
func amountMatches(stored, requested float64) bool {
	if !validation.IsFiniteAmount(stored) {
		return false
	}
	diff := decimal.NewFromFloat(stored).Sub(decimal.NewFromFloat(requested)).Abs()
	return diff.LessThanOrEqual(amountTolerance)
}
