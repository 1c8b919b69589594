package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/orderflow/internal/model"
)

// AddDraftItems добавляет позиции в черновик покупателя и пересчитывает суммы.
// Черновик создаётся при первом обращении. Все позиции черновика имеют один способ оплаты.
func (s *Service) AddDraftItems(ctx context.Context, customerID int64, items []SubmitItem, actor model.Actor) (*model.Order, error) {
	blocked, err := s.deps.Customers.IsCustomerBlocked(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, ErrBlockedCustomer
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidItem)
	}

	groups, err := s.groupItems(ctx, items)
	if err != nil {
		return nil, err
	}
	if len(groups) > 1 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidItem, model.ErrMixedPaymentMethods)
	}
	g := groups[0]

	draft, err := s.EnsureDraft(ctx, customerID, actor)
	if err != nil {
		return nil, err
	}

	o, err := s.repo.UpdateOrder(ctx, draft.ID, func(o *model.Order, paid bool) error {
		if o.Status != model.OrderStatusProcessing {
			return ErrDraftChanged
		}
		if err := o.AddItems(g.items...); err != nil {
			if errors.Is(err, model.ErrMixedPaymentMethods) {
				return fmt.Errorf("%w: %w", ErrInvalidItem, err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidItem) && !errors.Is(err, ErrDraftChanged) {
			s.logger.Error("add draft items error",
				zap.Error(err),
				zap.String("order", draft.Number),
				zap.Int64("actor", actor.ID),
			)
		}
		return nil, err
	}

	s.record(ctx, o, "items added",
		fmt.Sprintf("%d items, %s, total %s", len(g.items), o.PaymentMethod, o.FinalAmount.StringFixed(2)), actor)
	return o, nil
}
