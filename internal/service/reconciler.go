package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderflow/internal/model"
	"github.com/mmeshcher/orderflow/internal/repository"
)

// ResumeKind описывает, как покупатель может продолжить незавершённый заказ.
type ResumeKind string

const (
	ResumeAwaitingPayment  ResumeKind = "awaiting_payment"
	ResumeAwaitingApproval ResumeKind = "awaiting_approval"
	ResumeDraft            ResumeKind = "draft"
)

// UnfinishedOrder описывает незавершённый заказ, который покупатель может продолжить.
type UnfinishedOrder struct {
	Order  model.Order
	Kind   ResumeKind
	Reason string
	Action string
	CanPay bool
}

// UnfinishedReport содержит незавершённые заказы покупателя и пустые черновики, которые можно удалить.
type UnfinishedReport struct {
	Orders    []UnfinishedOrder
	Purgeable []uuid.UUID
}

// classify определяет, показывать ли заказ покупателю и можно ли его удалить.
func classify(ov model.OrderOverview) (u UnfinishedOrder, resumable, purgeable bool) {
	o := ov.Order
	if ov.Paid || o.Status.IsTerminal() {
		return u, false, false
	}

	if len(o.Items) == 0 {
		if o.Status == model.OrderStatusProcessing && ov.PaymentCount == 0 {
			return u, false, true
		}
		return u, false, false
	}

	switch {
	case o.PaymentMethod == model.PaymentMethodCash &&
		(o.Status == model.OrderStatusProcessing || o.Status == model.OrderStatusPending):
		return UnfinishedOrder{
			Order:  o,
			Kind:   ResumeAwaitingPayment,
			Reason: "awaiting payment",
			Action: "continue to payment",
			CanPay: true,
		}, true, false
	case o.PaymentMethod == model.PaymentMethodTerms && o.Status == model.OrderStatusPending:
		return UnfinishedOrder{
			Order:  o,
			Kind:   ResumeAwaitingApproval,
			Reason: "awaiting approval",
			Action: "wait for approval",
		}, true, false
	case o.PaymentMethod == model.PaymentMethodTerms && o.Status == model.OrderStatusProcessing:
		return UnfinishedOrder{
			Order:  o,
			Kind:   ResumeDraft,
			Reason: "not submitted",
			Action: "continue editing",
		}, true, false
	}

	return u, false, false
}

// Unfinished возвращает незавершённые заказы покупателя. Оплаченные заказы и пустые черновики не показываются.
func (s *Service) Unfinished(ctx context.Context, customerID int64) (*UnfinishedReport, error) {
	overviews, err := s.repo.ListOpenOrders(ctx, customerID)
	if err != nil {
		return nil, err
	}

	report := &UnfinishedReport{}
	for _, ov := range overviews {
		u, resumable, purgeable := classify(ov)
		switch {
		case resumable:
			report.Orders = append(report.Orders, u)
		case purgeable:
			report.Purgeable = append(report.Purgeable, ov.Order.ID)
		}
	}
	return report, nil
}

// RestoreResult описывает восстановленный рабочий набор.
type RestoreResult struct {
	Order     model.Order
	Selection model.Selection
	Added     int
}

// Restore восстанавливает набор выбранных товаров из незавершённого заказа в рабочую сессию покупателя.
// Уже выбранные товары не дублируются, их количество берётся из заказа. Статус заказа не меняется.
func (s *Service) Restore(ctx context.Context, customerID int64, orderID uuid.UUID) (*RestoreResult, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		return nil, repository.ErrOrderNotFound
	}

	paid, err := s.deps.Payments.HasSuccessPayment(ctx, o.ID)
	if err != nil {
		return nil, err
	}

	if _, resumable, _ := classify(model.OrderOverview{Order: *o, ItemCount: len(o.Items), Paid: paid}); !resumable {
		return nil, ErrNotResumable
	}

	var sel model.Selection
	if s.deps.Sessions != nil {
		sel, err = s.deps.Sessions.LoadSelection(ctx, customerID)
		if err != nil {
			return nil, fmt.Errorf("load selection: %w", err)
		}
	}

	added := sel.Merge(o.Selection())

	if s.deps.Sessions != nil {
		if err := s.deps.Sessions.SaveSelection(ctx, customerID, sel); err != nil {
			return nil, fmt.Errorf("save selection: %w", err)
		}
	}

	return &RestoreResult{Order: *o, Selection: sel, Added: added}, nil
}

// PurgeEmptyDrafts удаляет пустые черновики покупателя без платежей и возвращает их количество.
func (s *Service) PurgeEmptyDrafts(ctx context.Context, customerID int64) (int, error) {
	report, err := s.Unfinished(ctx, customerID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range report.Purgeable {
		err := s.repo.DeleteEmptyDraft(ctx, id, false)
		if err != nil {
			if errors.Is(err, repository.ErrOrderNotFound) || errors.Is(err, repository.ErrOrderNotEmpty) ||
				errors.Is(err, repository.ErrNotDraft) || errors.Is(err, repository.ErrOrderHasPayments) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// DeleteDraft удаляет пустой черновик. С force удаляются и его платежи; такое удаление доступно только оператору.
func (s *Service) DeleteDraft(ctx context.Context, orderID uuid.UUID, force bool, actor model.Actor) error {
	if force && !actor.CanApprove() {
		return ErrForbidden
	}

	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if actor.Role == model.RoleCustomer && o.CustomerID != actor.ID {
		return repository.ErrOrderNotFound
	}

	if err := s.repo.DeleteEmptyDraft(ctx, orderID, force); err != nil {
		return err
	}

	s.record(ctx, o, "deleted", fmt.Sprintf("empty draft removed, force=%t", force), actor)
	s.logger.Info("draft deleted", zap.String("order", o.Number), zap.Bool("force", force))
	return nil
}
