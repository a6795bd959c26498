// Package handler содержит HTTP-обработчики подтверждения платежей и запуска рассылки уведомлений.
package handler

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/ararat-backend/internal/middleware"
	"github.com/mmeshcher/ararat-backend/internal/model"
	"github.com/mmeshcher/ararat-backend/internal/repository"
	"github.com/mmeshcher/ararat-backend/internal/service"
	"github.com/mmeshcher/ararat-backend/internal/validation"
)

//go:embed templates/*.html
var templatesFS embed.FS

var confirmPage = template.Must(template.ParseFS(templatesFS, "templates/confirm.html"))

const (
	msgInvalidRequest   = "Неверные параметры запроса"
	msgPaymentNotFound  = "Платеж не найден"
	msgOrderMismatch    = "Несоответствие ID заказа"
	msgAmountMismatch   = "Несоответствие суммы платежа"
	msgAlreadyCompleted = "Платеж уже подтвержден"
	msgCompleted        = "Платеж успешно обработан"
	msgInternal         = "Произошла ошибка при обработке платежа"
)

// PaymentConfirmer подтверждает платёж по запросу сканирования.
type PaymentConfirmer interface {
	Confirm(ctx context.Context, req model.ConfirmRequest) (model.ConfirmResult, error)
}

// NotificationDispatcher рассылает push-уведомление по записи уведомления.
type NotificationDispatcher interface {
	OnNotificationCreated(ctx context.Context, n model.Notification) model.DispatchResult
}

// Handler реализует HTTP-обработчики сервиса.
type Handler struct {
	payments   PaymentConfirmer
	dispatcher NotificationDispatcher
	signature  *middleware.SignatureMiddleware
	logger     *zap.Logger
}

// NewHandler создаёт обработчик. dispatcher может быть nil: тогда маршрут уведомлений не регистрируется.
func NewHandler(payments PaymentConfirmer, dispatcher NotificationDispatcher, signature *middleware.SignatureMiddleware, logger *zap.Logger) *Handler {
	return &Handler{
		payments:   payments,
		dispatcher: dispatcher,
		signature:  signature,
		logger:     logger,
	}
}

type confirmView struct {
	Success bool
	Message string
}

// PaymentConfirm обрабатывает переход по ссылке из QR-кода и отображает страницу с результатом.
func (h *Handler) PaymentConfirm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	paymentID := q.Get("paymentId")
	orderID := q.Get("orderId")

	amount, err := validation.ParseAmount(q.Get("amount"))
	if paymentID == "" || orderID == "" || err != nil {
		h.renderConfirm(w, http.StatusBadRequest, confirmView{Message: msgInvalidRequest})
		return
	}

	res, err := h.payments.Confirm(r.Context(), model.ConfirmRequest{
		PaymentID: paymentID,
		OrderID:   orderID,
		Amount:    amount,
	})
	if err != nil {
		status, view := confirmError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("payment confirm error", zap.Error(err),
				zap.String("paymentId", paymentID), zap.String("orderId", orderID))
			if errors.Is(err, repository.ErrTransient) {
				w.Header().Set("Retry-After", "1")
			}
		}
		h.renderConfirm(w, status, view)
		return
	}

	msg := msgCompleted
	if res == model.ConfirmAlreadyCompleted {
		msg = msgAlreadyCompleted
	}
	h.renderConfirm(w, http.StatusOK, confirmView{Success: true, Message: msg})
}

func confirmError(err error) (int, confirmView) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest, confirmView{Message: msgInvalidRequest}
	case errors.Is(err, service.ErrPaymentNotFound):
		return http.StatusNotFound, confirmView{Message: msgPaymentNotFound}
	case errors.Is(err, service.ErrOrderMismatch):
		return http.StatusBadRequest, confirmView{Message: msgOrderMismatch}
	case errors.Is(err, service.ErrAmountMismatch):
		return http.StatusBadRequest, confirmView{Message: msgAmountMismatch}
	default:
		return http.StatusInternalServerError, confirmView{Message: msgInternal}
	}
}

func (h *Handler) renderConfirm(w http.ResponseWriter, status int, view confirmView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := confirmPage.Execute(w, view); err != nil {
		h.logger.Error("render confirm page error", zap.Error(err))
	}
}

type dispatchResponse struct {
	Skipped   bool   `json:"skipped"`
	Total     int    `json:"total"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
	Pruned    int    `json:"pruned"`
	Error     string `json:"error,omitempty"`
}

// NotificationCreated запускает рассылку по записи уведомления из тела запроса.
// После успешного разбора тела ответ всегда 200, сбой рассылки передаётся в поле error.
func (h *Handler) NotificationCreated(w http.ResponseWriter, r *http.Request) {
	var n model.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res := h.dispatcher.OnNotificationCreated(r.Context(), n)

	resp := dispatchResponse{
		Skipped:   res.Skipped,
		Total:     res.Total,
		Successes: res.Successes,
		Failures:  res.Failures,
		Pruned:    res.Pruned,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode dispatch response error", zap.Error(err))
	}
}
