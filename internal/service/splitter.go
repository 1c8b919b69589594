package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderflow/internal/lifecycle"
	"github.com/mmeshcher/orderflow/internal/model"
	"github.com/mmeshcher/orderflow/internal/repository"
)

// SubmitItem описывает позицию корзины, отправленную покупателем.
type SubmitItem struct {
	ProductID     int64
	Quantity      int
	PaymentMethod model.PaymentMethod
}

// GroupOutcome описывает результат оформления одной группы позиций с общим способом оплаты.
type GroupOutcome struct {
	PaymentMethod model.PaymentMethod
	OrderID       uuid.UUID
	OrderNumber   string
	Total         decimal.Decimal
	Status        model.OrderStatus
	Outcome       string
	// PaymentURL заполняется для заказов с оплатой наличными, переданных в шлюз.
	PaymentURL string
	// PaymentErr содержит ошибку передачи заказа в шлюз; сам заказ при этом создан.
	PaymentErr error
	Err        error
}

// Created сообщает, был ли заказ группы создан.
func (g GroupOutcome) Created() bool {
	return g.Err == nil
}

// SubmitResult содержит результаты по всем группам отправленной корзины.
type SubmitResult struct {
	NothingToProcess bool
	Groups           []GroupOutcome
}

// Summary возвращает краткое описание результата, например «2 cash orders created, 1 terms order failed: ...».
func (r *SubmitResult) Summary() string {
	if r.NothingToProcess {
		return "nothing to process"
	}

	var parts []string
	for _, method := range methodOrder {
		created, failed := 0, 0
		var reason string
		for _, g := range r.Groups {
			if g.PaymentMethod != method {
				continue
			}
			if g.Created() {
				created++
				continue
			}
			failed++
			if reason == "" {
				reason = g.Err.Error()
			}
		}
		if created > 0 {
			parts = append(parts, fmt.Sprintf("%d %s %s created", created, method, plural(created)))
		}
		if failed > 0 {
			parts = append(parts, fmt.Sprintf("%d %s %s failed: %s", failed, method, plural(failed), reason))
		}
	}
	return strings.Join(parts, ", ")
}

func plural(n int) string {
	if n == 1 {
		return "order"
	}
	return "orders"
}

var methodOrder = []model.PaymentMethod{model.PaymentMethodCash, model.PaymentMethodTerms}

type itemGroup struct {
	method model.PaymentMethod
	items  []model.OrderItem
}

// Submit разбивает корзину покупателя на заказы с единым способом оплаты.
// Заблокированный покупатель и некорректные позиции отклоняются до каких-либо изменений.
// Каждая группа оформляется в отдельной транзакции; ошибка одной группы не отменяет другие.
func (s *Service) Submit(ctx context.Context, customerID int64, items []SubmitItem, actor model.Actor) (*SubmitResult, error) {
	blocked, err := s.deps.Customers.IsCustomerBlocked(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, ErrBlockedCustomer
	}

	if len(items) == 0 {
		return &SubmitResult{NothingToProcess: true}, nil
	}

	groups, err := s.groupItems(ctx, items)
	if err != nil {
		return nil, err
	}

	draft, err := s.repo.GetDraft(ctx, customerID)
	if err != nil && !errors.Is(err, repository.ErrOrderNotFound) {
		return nil, err
	}

	res := &SubmitResult{}
	draftUsed := false
	for _, g := range groups {
		var outcome GroupOutcome
		if draft != nil && !draftUsed && len(draft.Items) > 0 && draft.PaymentMethod == g.method {
			draftUsed = true
			outcome = s.finalizeDraft(ctx, draft, g, actor)
		} else {
			outcome = s.createGroupOrder(ctx, customerID, draft, g, actor)
		}
		res.Groups = append(res.Groups, outcome)
	}

	if draft != nil && !draftUsed {
		s.purgeDraft(ctx, draft)
	}

	return res, nil
}

// groupItems проверяет позиции, подставляет цены из каталога и группирует их по способу оплаты.
// Одинаковые товары с одним способом оплаты объединяются.
func (s *Service) groupItems(ctx context.Context, items []SubmitItem) ([]itemGroup, error) {
	prices := make(map[int64]decimal.Decimal)
	byMethod := make(map[model.PaymentMethod][]model.OrderItem)

	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive for product %d", ErrInvalidItem, it.ProductID)
		}
		if !it.PaymentMethod.Valid() {
			return nil, fmt.Errorf("%w: unknown payment method %q", ErrInvalidItem, it.PaymentMethod)
		}

		price, ok := prices[it.ProductID]
		if !ok {
			p, err := s.deps.Products.GetProduct(ctx, it.ProductID)
			if err != nil {
				if errors.Is(err, repository.ErrProductNotFound) {
					return nil, fmt.Errorf("%w: product %d not found", ErrInvalidItem, it.ProductID)
				}
				return nil, err
			}
			price = p.Price
			prices[it.ProductID] = price
		}

		group := byMethod[it.PaymentMethod]
		merged := false
		for i := range group {
			if group[i].ProductID == it.ProductID {
				group[i].Quantity += it.Quantity
				group[i].Recalculate()
				merged = true
				break
			}
		}
		if !merged {
			group = append(group, model.NewItem(it.ProductID, it.Quantity, price, it.PaymentMethod))
		}
		byMethod[it.PaymentMethod] = group
	}

	var groups []itemGroup
	for _, method := range methodOrder {
		if items := byMethod[method]; len(items) > 0 {
			groups = append(groups, itemGroup{method: method, items: items})
		}
	}
	return groups, nil
}

func (s *Service) finalizeDraft(ctx context.Context, draft *model.Order, g itemGroup, actor model.Actor) GroupOutcome {
	o, err := s.repo.UpdateOrder(ctx, draft.ID, func(o *model.Order, paid bool) error {
		if o.Status != model.OrderStatusProcessing {
			return ErrDraftChanged
		}
		if err := o.AddItems(g.items...); err != nil {
			return err
		}
		_, err := lifecycle.Apply(o, model.OrderStatusPending, lifecycle.FactsOf(o, paid, actor))
		return err
	})
	if err != nil {
		return s.failedGroup(g, err, draft.Number, actor)
	}
	return s.completeGroup(ctx, o, actor)
}

func (s *Service) createGroupOrder(ctx context.Context, customerID int64, draft *model.Order, g itemGroup, actor model.Actor) GroupOutcome {
	now := s.now()
	o := &model.Order{
		ID:         uuid.New(),
		Number:     model.NewOrderNumber(now),
		CustomerID: customerID,
		Status:     model.OrderStatusProcessing,
		CreatedBy:  actor.Ref(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if draft != nil {
		o.DiscountPercentage = draft.DiscountPercentage
	}

	if err := o.AddItems(g.items...); err != nil {
		return s.failedGroup(g, err, o.Number, actor)
	}
	if _, err := lifecycle.Apply(o, model.OrderStatusPending, lifecycle.FactsOf(o, false, actor)); err != nil {
		return s.failedGroup(g, err, o.Number, actor)
	}

	err := s.repo.InsertOrder(ctx, o)
	if errors.Is(err, repository.ErrDuplicateOrder) {
		o.Number = model.NewOrderNumber(now)
		err = s.repo.InsertOrder(ctx, o)
	}
	if err != nil {
		return s.failedGroup(g, err, o.Number, actor)
	}

	return s.completeGroup(ctx, o, actor)
}

func (s *Service) failedGroup(g itemGroup, err error, number string, actor model.Actor) GroupOutcome {
	if !errors.Is(err, lifecycle.ErrInvalidTransition) && !errors.Is(err, ErrDraftChanged) && !errors.Is(err, model.ErrMixedPaymentMethods) {
		s.logger.Error("submit group error",
			zap.Error(err),
			zap.String("order", number),
			zap.String("method", string(g.method)),
			zap.String("transition", "processing -> pending"),
			zap.Int64("actor", actor.ID),
		)
		// детали хранилища не раскрываются вызывающему
		err = errors.New("order could not be saved")
	}
	return GroupOutcome{
		PaymentMethod: g.method,
		Outcome:       "failed",
		Err:           err,
	}
}

func (s *Service) completeGroup(ctx context.Context, o *model.Order, actor model.Actor) GroupOutcome {
	s.record(ctx, o, "submitted", fmt.Sprintf("%d items, %s, total %s", len(o.Items), o.PaymentMethod, o.FinalAmount), actor)
	s.notify(ctx, o, model.OrderStatusProcessing)

	outcome := GroupOutcome{
		PaymentMethod: o.PaymentMethod,
		OrderID:       o.ID,
		OrderNumber:   o.Number,
		Total:         o.FinalAmount,
		Status:        o.Status,
	}

	if o.PaymentMethod == model.PaymentMethodTerms {
		outcome.Outcome = "awaiting approval"
		return outcome
	}

	outcome.Outcome = "awaiting payment"
	if s.deps.Initiator == nil {
		return outcome
	}

	url, err := s.deps.Initiator.InitiatePayment(ctx, *o)
	if err != nil {
		s.logger.Warn("payment initiation error", zap.Error(err), zap.String("order", o.Number))
		outcome.PaymentErr = err
		outcome.Outcome = "awaiting payment, gateway unavailable"
		return outcome
	}
	outcome.PaymentURL = url
	return outcome
}

// purgeDraft удаляет черновик, если в нём не осталось позиций и платежей.
func (s *Service) purgeDraft(ctx context.Context, draft *model.Order) {
	err := s.repo.DeleteEmptyDraft(ctx, draft.ID, false)
	switch {
	case err == nil:
		s.logger.Debug("empty draft removed", zap.String("order", draft.Number))
	case errors.Is(err, repository.ErrOrderNotEmpty),
		errors.Is(err, repository.ErrOrderHasPayments),
		errors.Is(err, repository.ErrNotDraft),
		errors.Is(err, repository.ErrOrderNotFound):
	default:
		s.logger.Warn("remove draft error", zap.Error(err), zap.String("order", draft.Number))
	}
}
