package service

import "errors"

var (
	// ErrInvalidRequest возвращается при некорректных параметрах запроса.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrOrderMismatch возвращается, если платёж привязан к другому заказу.
	ErrOrderMismatch = errors.New("order id mismatch")
	// ErrAmountMismatch возвращается, если сумма отличается больше чем на допуск.
	ErrAmountMismatch = errors.New("amount mismatch")
	// ErrInternal оборачивает сбои хранилища и транспорта. Исходная причина сохраняется в цепочке.
	ErrInternal = errors.New("internal error")
)
