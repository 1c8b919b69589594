// Package model содержит доменные сущности сервиса заказов.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus описывает состояние заказа в жизненном цикле.
type OrderStatus string

const (
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusReady      OrderStatus = "ready"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// IsTerminal сообщает, является ли статус конечным.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// PaymentMethod описывает способ оплаты позиции или заказа.
type PaymentMethod string

const (
	PaymentMethodNone  PaymentMethod = ""
	PaymentMethodCash  PaymentMethod = "cash"
	PaymentMethodTerms PaymentMethod = "terms"
)

// Valid сообщает, может ли способ оплаты использоваться в позиции заказа.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCash || m == PaymentMethodTerms
}

// PaymentStatus описывает состояние попытки оплаты.
type PaymentStatus string

const (
	PaymentStatusInitiated PaymentStatus = "initiated"
	PaymentStatusSuccess   PaymentStatus = "success"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Order описывает заказ покупателя вместе с позициями.
type Order struct {
	ID         uuid.UUID
	Number     string
	CustomerID int64
	Status     OrderStatus
	// PaymentMethod повторяет способ оплаты позиций; пуст, пока позиций нет.
	PaymentMethod PaymentMethod
	TotalAmount   decimal.Decimal
	// DiscountPercentage хранится долей в диапазоне [0, 1].
	DiscountPercentage decimal.Decimal
	FinalAmount        decimal.Decimal
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CreatedBy          *int64
	Items              []OrderItem
}

// OrderItem описывает позицию заказа.
type OrderItem struct {
	ID            int64
	OrderID       uuid.UUID
	ProductID     int64
	Quantity      int
	UnitPrice     decimal.Decimal
	TotalPrice    decimal.Decimal
	PaymentMethod PaymentMethod
}

// Payment описывает попытку оплаты заказа. Сумма указана в минимальных единицах платёжного шлюза.
type Payment struct {
	ID        int64
	OrderID   uuid.UUID
	Status    PaymentStatus
	Amount    int64
	CreatedAt time.Time
}

// OrderOverview дополняет заказ сведениями о платежах, нужными планировщику и сверке.
type OrderOverview struct {
	Order        Order
	ItemCount    int
	PaymentCount int
	Paid         bool
}

// Product описывает товар из каталога, доступный только для чтения.
type Product struct {
	ID    int64
	Name  string
	Price decimal.Decimal
}

// CustomerStatus описывает состояние учётной записи покупателя.
type CustomerStatus string

const (
	CustomerStatusActive  CustomerStatus = "active"
	CustomerStatusBlocked CustomerStatus = "blocked"
)

// Role определяет права действующего лица.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Actor описывает того, кто выполняет изменение: покупателя, оператора или систему.
type Actor struct {
	ID   int64
	Role Role
}

// SystemActor используется для автоматических изменений, например истечения заказов.
var SystemActor = Actor{Role: RoleSystem}

// CanApprove сообщает, может ли действующее лицо вручную подтверждать заказы.
func (a Actor) CanApprove() bool {
	return a.Role == RoleAdmin
}

// Ref возвращает идентификатор действующего лица для аудита; системные изменения анонимны.
func (a Actor) Ref() *int64 {
	if a.Role == RoleSystem || a.ID == 0 {
		return nil
	}
	id := a.ID
	return &id
}

// Activity описывает запись журнала действий по заказу.
type Activity struct {
	OrderID     uuid.UUID
	Action      string
	Description string
	ActorID     *int64
	CreatedAt   time.Time
}

// SelectedProduct описывает выбранный товар в рабочей сессии покупателя.
type SelectedProduct struct {
	ProductID     int64         `json:"product_id"`
	Quantity      int           `json:"quantity"`
	PaymentMethod PaymentMethod `json:"payment_method"`
}

// Selection описывает набор выбранных товаров рабочей сессии.
type Selection struct {
	Items []SelectedProduct `json:"items"`
}

// TransitionEvent описывает применённый переход статуса для внешних подписчиков.
type TransitionEvent struct {
	OrderID     uuid.UUID       `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	CustomerID  int64           `json:"customer_id"`
	From        OrderStatus     `json:"from"`
	To          OrderStatus     `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	At          time.Time       `json:"at"`
}

// NewTransitionEvent собирает событие перехода заказа из статуса from в текущий.
func NewTransitionEvent(o *Order, from OrderStatus, at time.Time) TransitionEvent {
	return TransitionEvent{
		OrderID:     o.ID,
		OrderNumber: o.Number,
		CustomerID:  o.CustomerID,
		From:        from,
		To:          o.Status,
		Amount:      o.FinalAmount,
		At:          at,
	}
}
