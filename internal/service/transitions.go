package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderflow/internal/lifecycle"
	"github.com/mmeshcher/orderflow/internal/model"
	"github.com/mmeshcher/orderflow/internal/repository"
)

// Transition переводит заказ в статус to от имени actor.
// Покупатель может только отменить собственный заказ; остальные ручные переходы доступны оператору и системе.
func (s *Service) Transition(ctx context.Context, orderID uuid.UUID, to model.OrderStatus, actor model.Actor) (*model.Order, error) {
	return s.transition(ctx, orderID, "", to, actor)
}

// transition выполняет переход; number используется в логах, пока заказ не прочитан под блокировкой.
func (s *Service) transition(ctx context.Context, orderID uuid.UUID, number string, to model.OrderStatus, actor model.Actor) (*model.Order, error) {
	if actor.Role == model.RoleCustomer && to != model.OrderStatusCancelled {
		return nil, ErrForbidden
	}

	var (
		from    model.OrderStatus
		changed bool
	)
	o, err := s.repo.UpdateOrder(ctx, orderID, func(o *model.Order, paid bool) error {
		if actor.Role == model.RoleCustomer && o.CustomerID != actor.ID {
			return repository.ErrOrderNotFound
		}

		number = o.Number
		from = o.Status
		var err error
		changed, err = lifecycle.Apply(o, to, lifecycle.FactsOf(o, paid, actor))
		if err != nil {
			return err
		}
		if !changed {
			return repository.ErrUnchanged
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) || errors.Is(err, repository.ErrOrderNotFound) {
			return nil, err
		}
		s.logger.Error("transition error",
			zap.Error(err),
			zap.String("order", number),
			zap.String("orderID", orderID.String()),
			zap.String("transition", string(from)+" -> "+string(to)),
			zap.Int64("actor", actor.ID),
			zap.String("role", string(actor.Role)),
		)
		return nil, fmt.Errorf("transition order: %w", err)
	}

	if changed {
		s.record(ctx, o, string(to), fmt.Sprintf("%s -> %s", from, to), actor)
		s.notify(ctx, o, from)
	}

	return o, nil
}

// TransitionByNumber переводит заказ, найденный по номеру.
func (s *Service) TransitionByNumber(ctx context.Context, number string, to model.OrderStatus, actor model.Actor) (*model.Order, error) {
	o, err := s.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, o.ID, o.Number, to, actor)
}

// Cancel отменяет заказ. Оплаченный заказ отменить нельзя.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID, actor model.Actor) (*model.Order, error) {
	return s.Transition(ctx, orderID, model.OrderStatusCancelled, actor)
}
