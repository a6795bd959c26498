// Package model содержит доменные сущности сервиса подтверждения платежей и push-уведомлений.
package model

import "time"

// PaymentStatus описывает стадию обработки платежа.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
)

// OrderStatusPaid записывается в заказ после успешного подтверждения оплаты.
const OrderStatusPaid = "оплачен"

// Payment описывает платёж, ожидающий подтверждения сканированием.
type Payment struct {
	ID        string        `bson:"_id" json:"id"`
	OrderID   string        `bson:"orderId" json:"orderId"`
	Amount    float64       `bson:"amount" json:"amount"`
	Status    PaymentStatus `bson:"status" json:"status"`
	IsScanned bool          `bson:"isScanned" json:"isScanned"`
	ScanTime  *time.Time    `bson:"scanTime,omitempty" json:"scanTime,omitempty"`
	UpdatedAt time.Time     `bson:"updatedAt" json:"updatedAt"`
}

// Order описывает заказ, связанный с платежом.
type Order struct {
	ID            string        `bson:"_id" json:"id"`
	Status        string        `bson:"status" json:"status"`
	PaymentStatus PaymentStatus `bson:"paymentStatus" json:"paymentStatus"`
	UpdatedAt     time.Time     `bson:"updatedAt" json:"updatedAt"`
}

// Notification описывает созданную запись уведомления пользователя.
type Notification struct {
	ID      string `json:"id"`
	UserID  string `json:"userId"`
	Message string `json:"message"`
	Type    string `json:"type"`
	OrderID string `json:"orderId"`
}

// DeviceToken описывает зарегистрированное устройство пользователя.
type DeviceToken struct {
	UserID string `bson:"userId" json:"userId"`
	Token  string `bson:"token" json:"token"`
}

// PushMessage содержит полезную нагрузку push-уведомления.
type PushMessage struct {
	Title string
	Body  string
	Data  map[string]string
}

// Коды отказа доставки, распознанные по ответу платформы.
const (
	FailureCodeUnregistered     = "unregistered"
	FailureCodeSenderIDMismatch = "sender-id-mismatch"
	FailureCodeInvalidArgument  = "invalid-argument"
	FailureCodeUnavailable      = "unavailable"
)

// SendResult описывает результат доставки на один токен.
// Reason содержит текст ошибки платформы, Code заполняется, если платформа вернула известный код.
type SendResult struct {
	Token   string
	Success bool
	Reason  string
	Code    string
}

// ConfirmRequest содержит параметры запроса на подтверждение платежа.
type ConfirmRequest struct {
	PaymentID string
	OrderID   string
	Amount    float64
}

// ConfirmResult описывает успешный исход подтверждения платежа.
type ConfirmResult string

const (
	ConfirmAlreadyCompleted ConfirmResult = "already_completed"
	ConfirmCompleted        ConfirmResult = "completed"
)

// DispatchResult содержит итог рассылки уведомления.
type DispatchResult struct {
	Skipped   bool
	Total     int
	Successes int
	Failures  int
	Pruned    int
	// Err заполняется, если рассылка не состоялась целиком.
	Err error
}
