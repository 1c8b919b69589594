// Package lifecycle описывает допустимые переходы между статусами заказа.
// Пакет не выполняет ввода-вывода: решение принимается только по текущему статусу и фактам о заказе.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/orderflow/internal/model"
)

// ErrInvalidTransition является общей причиной для всех недопустимых переходов.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError описывает отклонённый переход и его причину.
type TransitionError struct {
	From   model.OrderStatus
	To     model.OrderStatus
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
	}
	return fmt.Sprintf("invalid transition from %s to %s: %s", e.From, e.To, e.Reason)
}

// Is позволяет сравнивать ошибку с ErrInvalidTransition через errors.Is.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Facts содержит сведения о заказе, от которых зависят условия переходов.
type Facts struct {
	ItemCount     int
	PaymentMethod model.PaymentMethod
	Paid          bool
	Actor         model.Actor
}

// FactsOf собирает факты по заказу.
func FactsOf(o *model.Order, paid bool, actor model.Actor) Facts {
	return Facts{
		ItemCount:     len(o.Items),
		PaymentMethod: o.PaymentMethod,
		Paid:          paid,
		Actor:         actor,
	}
}

// allowedTransitions задаёт для каждого статуса множество допустимых следующих статусов.
var allowedTransitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusProcessing: {model.OrderStatusPending, model.OrderStatusCancelled},
	model.OrderStatusPending:    {model.OrderStatusConfirmed, model.OrderStatusCancelled},
	model.OrderStatusConfirmed:  {model.OrderStatusReady},
	model.OrderStatusReady:      {model.OrderStatusDelivered},
}

// Check проверяет переход from → to.
// Возвращает noop = true, если заказ уже находится в конечном статусе to и менять ничего не нужно.
func Check(from, to model.OrderStatus, f Facts) (noop bool, err error) {
	if from == to && to.IsTerminal() {
		return true, nil
	}

	if !allowed(from, to) {
		return false, &TransitionError{From: from, To: to}
	}

	switch to {
	case model.OrderStatusPending:
		if f.ItemCount == 0 {
			return false, &TransitionError{From: from, To: to, Reason: "order has no items"}
		}
		if !f.PaymentMethod.Valid() {
			return false, &TransitionError{From: from, To: to, Reason: "payment method not chosen"}
		}
	case model.OrderStatusConfirmed:
		if !f.Paid && !f.Actor.CanApprove() {
			return false, &TransitionError{From: from, To: to, Reason: "no successful payment or approval"}
		}
	case model.OrderStatusCancelled:
		if f.Paid {
			return false, &TransitionError{From: from, To: to, Reason: "order is paid"}
		}
	}

	return false, nil
}

func allowed(from, to model.OrderStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Expirable сообщает, может ли заказ в этом статусе быть отменён автоматически.
func Expirable(s model.OrderStatus) bool {
	return s == model.OrderStatusProcessing || s == model.OrderStatusPending
}

// Apply проверяет переход и применяет его к заказу.
// Возвращает true, если статус действительно изменился.
func Apply(o *model.Order, to model.OrderStatus, f Facts) (bool, error) {
	noop, err := Check(o.Status, to, f)
	if err != nil {
		return false, err
	}
	if noop {
		return false, nil
	}
	o.Status = to
	return true, nil
}
