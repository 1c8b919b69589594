// Package service реализует бизнес-логику жизненного цикла заказов:
// разбиение корзины по способам оплаты, ручные переходы статусов и сверку незавершённых заказов.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderflow/internal/model"
	"github.com/mmeshcher/orderflow/internal/repository"
)

var (
	// ErrBlockedCustomer возвращается, если учётная запись покупателя заблокирована.
	ErrBlockedCustomer = errors.New("customer is blocked")
	// ErrInvalidItem возвращается при некорректной позиции в отправленной корзине.
	ErrInvalidItem = errors.New("invalid item")
	// ErrForbidden возвращается, если действующее лицо не может выполнить операцию.
	ErrForbidden = errors.New("operation not permitted")
	// ErrNotResumable возвращается, если заказ нельзя продолжить.
	ErrNotResumable = errors.New("order cannot be resumed")
	// ErrDraftChanged возвращается, если черновик изменился во время оформления.
	ErrDraftChanged = errors.New("draft is no longer open")
)

// Repository описывает контракт доступа к заказам, используемый сервисом.
type Repository interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*model.Order, error)
	GetDraft(ctx context.Context, customerID int64) (*model.Order, error)
	CreateDraft(ctx context.Context, draft *model.Order) (*model.Order, error)
	InsertOrder(ctx context.Context, o *model.Order) error
	UpdateOrder(ctx context.Context, id uuid.UUID, fn repository.UpdateFunc) (*model.Order, error)
	DeleteEmptyDraft(ctx context.Context, id uuid.UUID, force bool) error
	ListOpenOrders(ctx context.Context, customerID int64) ([]model.OrderOverview, error)
}

// ActivityLogger записывает действия с заказами в журнал.
type ActivityLogger interface {
	LogActivity(ctx context.Context, a model.Activity) error
}

// PaymentReader сообщает, оплачен ли заказ.
type PaymentReader interface {
	HasSuccessPayment(ctx context.Context, orderID uuid.UUID) (bool, error)
}

// ProductLookup предоставляет доступ к каталогу товаров.
type ProductLookup interface {
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
}

// CustomerReader сообщает о состоянии учётной записи покупателя.
type CustomerReader interface {
	IsCustomerBlocked(ctx context.Context, customerID int64) (bool, error)
}

// PaymentInitiator передаёт заказ с оплатой наличными во внешний платёжный шлюз
// и возвращает ссылку для продолжения оплаты.
type PaymentInitiator interface {
	InitiatePayment(ctx context.Context, o model.Order) (string, error)
}

// Notifier публикует события переходов. Доставка не гарантируется.
type Notifier interface {
	Publish(ctx context.Context, e model.TransitionEvent) error
}

// SelectionStore хранит рабочий набор выбранных товаров покупателя.
type SelectionStore interface {
	LoadSelection(ctx context.Context, customerID int64) (model.Selection, error)
	SaveSelection(ctx context.Context, customerID int64, sel model.Selection) error
}

// Deps содержит внешних участников, с которыми работает сервис. Initiator, Notifier и Sessions необязательны.
type Deps struct {
	Products  ProductLookup
	Customers CustomerReader
	Payments  PaymentReader
	Activity  ActivityLogger
	Initiator PaymentInitiator
	Notifier  Notifier
	Sessions  SelectionStore
}

// Service содержит бизнес-логику жизненного цикла заказов.
type Service struct {
	repo   Repository
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и внешними участниками.
func NewService(repo Repository, deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
}

// EnsureDraft возвращает черновик покупателя, создавая его при первом обращении.
func (s *Service) EnsureDraft(ctx context.Context, customerID int64, actor model.Actor) (*model.Order, error) {
	draft, err := s.repo.GetDraft(ctx, customerID)
	if err == nil {
		return draft, nil
	}
	if !errors.Is(err, repository.ErrOrderNotFound) {
		return nil, err
	}

	now := s.now()
	draft, err = s.repo.CreateDraft(ctx, &model.Order{
		ID:         uuid.New(),
		Number:     model.NewOrderNumber(now),
		CustomerID: customerID,
		Status:     model.OrderStatusProcessing,
		CreatedBy:  actor.Ref(),
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		s.logger.Error("create draft error", zap.Error(err), zap.Int64("customerID", customerID))
		return nil, err
	}
	return draft, nil
}

func (s *Service) record(ctx context.Context, o *model.Order, action, description string, actor model.Actor) {
	if s.deps.Activity == nil {
		return
	}
	err := s.deps.Activity.LogActivity(ctx, model.Activity{
		OrderID:     o.ID,
		Action:      action,
		Description: description,
		ActorID:     actor.Ref(),
		CreatedAt:   s.now(),
	})
	if err != nil {
		s.logger.Warn("activity log error", zap.Error(err), zap.String("order", o.Number), zap.String("action", action))
	}
}

func (s *Service) notify(ctx context.Context, o *model.Order, from model.OrderStatus) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Publish(ctx, model.NewTransitionEvent(o, from, s.now())); err != nil {
		s.logger.Warn("publish transition error", zap.Error(err), zap.String("order", o.Number))
	}
}
