package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GatewayMinorUnits задаёт множитель перевода суммы заказа в минимальные единицы платёжного шлюза.
const GatewayMinorUnits = 10

// ErrMixedPaymentMethods возвращается при попытке смешать способы оплаты в одном заказе.
var ErrMixedPaymentMethods = errors.New("order items must share one payment method")

// NewOrderNumber формирует человекочитаемый номер заказа: дата и случайный суффикс.
func NewOrderNumber(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s", now.Format("20060102"), strings.ToUpper(suffix))
}

// NewItem создаёт позицию заказа и рассчитывает её стоимость.
func NewItem(productID int64, quantity int, unitPrice decimal.Decimal, method PaymentMethod) OrderItem {
	item := OrderItem{
		ProductID:     productID,
		Quantity:      quantity,
		UnitPrice:     unitPrice,
		PaymentMethod: method,
	}
	item.Recalculate()
	return item
}

// Recalculate пересчитывает стоимость позиции.
func (i *OrderItem) Recalculate() {
	i.TotalPrice = i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// AddItems добавляет позиции к заказу и пересчитывает суммы.
// Позиции с другим способом оплаты отвергаются целиком.
func (o *Order) AddItems(items ...OrderItem) error {
	method := o.PaymentMethod
	for _, it := range items {
		if !it.PaymentMethod.Valid() {
			return fmt.Errorf("unknown payment method %q", it.PaymentMethod)
		}
		if method == PaymentMethodNone {
			method = it.PaymentMethod
		}
		if it.PaymentMethod != method {
			return ErrMixedPaymentMethods
		}
	}

	for _, it := range items {
		it.OrderID = o.ID
		it.Recalculate()
		o.Items = append(o.Items, it)
	}
	o.PaymentMethod = method
	o.Recalculate()
	return nil
}

// Recalculate пересчитывает total_amount и final_amount по текущим позициям.
func (o *Order) Recalculate() {
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.TotalPrice)
	}
	o.TotalAmount = total
	o.FinalAmount = total.Mul(decimal.NewFromInt(1).Sub(o.DiscountPercentage))
	if len(o.Items) == 0 {
		o.PaymentMethod = PaymentMethodNone
	}
}

// GatewayAmount возвращает итоговую сумму в минимальных единицах шлюза.
func (o *Order) GatewayAmount() int64 {
	return o.FinalAmount.Mul(decimal.NewFromInt(GatewayMinorUnits)).Round(0).IntPart()
}

// Selection возвращает рабочий набор выбранных товаров, соответствующий позициям заказа.
func (o *Order) Selection() Selection {
	sel := Selection{Items: make([]SelectedProduct, 0, len(o.Items))}
	for _, it := range o.Items {
		sel.Add(SelectedProduct{
			ProductID:     it.ProductID,
			Quantity:      it.Quantity,
			PaymentMethod: it.PaymentMethod,
		})
	}
	return sel
}

// Add добавляет товар в набор. Для товара, уже выбранного с тем же способом оплаты, количество суммируется.
// Возвращает false, если товар уже был в наборе.
func (s *Selection) Add(p SelectedProduct) bool {
	if i := s.index(p); i >= 0 {
		s.Items[i].Quantity += p.Quantity
		return false
	}
	s.Items = append(s.Items, p)
	return true
}

// Merge переносит в набор товары из другого набора: для уже выбранных товаров количество берётся из other,
// остальные добавляются. Возвращает число добавленных записей.
func (s *Selection) Merge(other Selection) int {
	added := 0
	for _, p := range other.Items {
		if i := s.index(p); i >= 0 {
			s.Items[i].Quantity = p.Quantity
			continue
		}
		s.Items = append(s.Items, p)
		added++
	}
	return added
}

func (s *Selection) index(p SelectedProduct) int {
	for i, existing := range s.Items {
		if existing.ProductID == p.ProductID && existing.PaymentMethod == p.PaymentMethod {
			return i
		}
	}
	return -1
}
