// Package handler содержит HTTP-обработчики API сервиса заказов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderflow/internal/lifecycle"
	"github.com/mmeshcher/orderflow/internal/middleware"
	"github.com/mmeshcher/orderflow/internal/model"
	"github.com/mmeshcher/orderflow/internal/repository"
	"github.com/mmeshcher/orderflow/internal/scheduler"
	"github.com/mmeshcher/orderflow/internal/service"
	"github.com/mmeshcher/orderflow/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	EnsureDraft(ctx context.Context, customerID int64, actor model.Actor) (*model.Order, error)
	AddDraftItems(ctx context.Context, customerID int64, items []service.SubmitItem, actor model.Actor) (*model.Order, error)
	Submit(ctx context.Context, customerID int64, items []service.SubmitItem, actor model.Actor) (*service.SubmitResult, error)
	Unfinished(ctx context.Context, customerID int64) (*service.UnfinishedReport, error)
	Restore(ctx context.Context, customerID int64, orderID uuid.UUID) (*service.RestoreResult, error)
	PurgeEmptyDrafts(ctx context.Context, customerID int64) (int, error)
	Cancel(ctx context.Context, orderID uuid.UUID, actor model.Actor) (*model.Order, error)
	TransitionByNumber(ctx context.Context, number string, to model.OrderStatus, actor model.Actor) (*model.Order, error)
	DeleteDraft(ctx context.Context, orderID uuid.UUID, force bool, actor model.Actor) error
}

// Expirer выполняет обход зависших заказов по запросу.
type Expirer interface {
	Sweep(ctx context.Context, opts scheduler.SweepOptions) (*scheduler.SweepReport, error)
}

// Handler реализует HTTP-обработчики API сервиса заказов.
type Handler struct {
	service        Service
	expirer        Expirer
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, expirer Expirer, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		expirer:        expirer,
		logger:         logger,
		authMiddleware: auth,
	}
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageResponse{Message: msg})
}

// writeOrderError переводит доменные ошибки в HTTP-статусы; остальные ошибки логируются и скрываются.
func (h *Handler) writeOrderError(w http.ResponseWriter, err error, op string, fields ...zap.Field) {
	var te *lifecycle.TransitionError
	switch {
	case errors.As(err, &te):
		writeMessage(w, http.StatusConflict, te.Error())
	case errors.Is(err, repository.ErrOrderNotFound):
		writeMessage(w, http.StatusNotFound, "order not found")
	case errors.Is(err, service.ErrForbidden):
		writeMessage(w, http.StatusForbidden, "no authorization")
	case errors.Is(err, service.ErrBlockedCustomer):
		writeMessage(w, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrInvalidItem):
		writeMessage(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrNotResumable),
		errors.Is(err, service.ErrDraftChanged),
		errors.Is(err, repository.ErrNotDraft),
		errors.Is(err, repository.ErrOrderNotEmpty),
		errors.Is(err, repository.ErrOrderHasPayments),
		errors.Is(err, scheduler.ErrSweepInProgress),
		errors.Is(err, scheduler.ErrLeaseLost):
		writeMessage(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return model.Actor{}, false
	}
	return actor, true
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := validation.ParseOrderID(chi.URLParam(r, "id"))
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid order id")
		return uuid.Nil, false
	}
	return id, true
}

type itemResponse struct {
	ProductID     int64           `json:"product_id"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	TotalPrice    decimal.Decimal `json:"total_price"`
	PaymentMethod string          `json:"payment_method"`
}

type orderResponse struct {
	ID            uuid.UUID       `json:"id"`
	Number        string          `json:"number"`
	Status        string          `json:"status"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Discount      decimal.Decimal `json:"discount_percentage"`
	FinalAmount   decimal.Decimal `json:"final_amount"`
	Items         []itemResponse  `json:"items"`
	UpdatedAt     string          `json:"updated_at"`
}

func newOrderResponse(o *model.Order) orderResponse {
	items := make([]itemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, itemResponse{
			ProductID:     it.ProductID,
			Quantity:      it.Quantity,
			UnitPrice:     it.UnitPrice,
			TotalPrice:    it.TotalPrice,
			PaymentMethod: string(it.PaymentMethod),
		})
	}
	return orderResponse{
		ID:            o.ID,
		Number:        o.Number,
		Status:        string(o.Status),
		PaymentMethod: string(o.PaymentMethod),
		TotalAmount:   o.TotalAmount,
		Discount:      o.DiscountPercentage,
		FinalAmount:   o.FinalAmount,
		Items:         items,
		UpdatedAt:     o.UpdatedAt.Format(time.RFC3339),
	}
}

// GetDraft возвращает черновик текущего покупателя, создавая его при необходимости.
func (h *Handler) GetDraft(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	draft, err := h.service.EnsureDraft(r.Context(), actor.ID, actor)
	if err != nil {
		h.writeOrderError(w, err, "get draft", zap.Int64("customerID", actor.ID))
		return
	}

	writeJSON(w, http.StatusOK, newOrderResponse(draft))
}

type submitItemRequest struct {
	ProductID     int64  `json:"product_id"`
	Quantity      int    `json:"quantity"`
	PaymentMethod string `json:"payment_method"`
}

type submitRequest struct {
	Items []submitItemRequest `json:"items"`
}

type groupResponse struct {
	PaymentMethod string          `json:"payment_method"`
	Number        string          `json:"number,omitempty"`
	Total         decimal.Decimal `json:"total"`
	Status        string          `json:"status,omitempty"`
	Outcome       string          `json:"outcome"`
	PaymentURL    string          `json:"payment_url,omitempty"`
	Error         string          `json:"error,omitempty"`
}

type submitResponse struct {
	Summary          string          `json:"summary"`
	NothingToProcess bool            `json:"nothing_to_process"`
	Orders           []groupResponse `json:"orders"`
}

func decodeItems(r *http.Request) ([]service.SubmitItem, error) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}

	items := make([]service.SubmitItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, service.SubmitItem{
			ProductID:     it.ProductID,
			Quantity:      it.Quantity,
			PaymentMethod: model.PaymentMethod(it.PaymentMethod),
		})
	}
	return items, nil
}

// AddDraftItems добавляет позиции в черновик текущего покупателя.
func (h *Handler) AddDraftItems(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	items, err := decodeItems(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	draft, err := h.service.AddDraftItems(r.Context(), actor.ID, items, actor)
	if err != nil {
		h.writeOrderError(w, err, "add draft items", zap.Int64("customerID", actor.ID))
		return
	}

	writeJSON(w, http.StatusOK, newOrderResponse(draft))
}

// Submit оформляет корзину текущего покупателя, разбивая её на заказы по способам оплаты.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	items, err := decodeItems(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.Submit(r.Context(), actor.ID, items, actor)
	if err != nil {
		h.writeOrderError(w, err, "submit", zap.Int64("customerID", actor.ID))
		return
	}

	resp := submitResponse{
		Summary:          res.Summary(),
		NothingToProcess: res.NothingToProcess,
		Orders:           make([]groupResponse, 0, len(res.Groups)),
	}
	for _, g := range res.Groups {
		gr := groupResponse{
			PaymentMethod: string(g.PaymentMethod),
			Number:        g.OrderNumber,
			Total:         g.Total,
			Status:        string(g.Status),
			Outcome:       g.Outcome,
			PaymentURL:    g.PaymentURL,
		}
		if g.Err != nil {
			gr.Error = g.Err.Error()
		}
		resp.Orders = append(resp.Orders, gr)
	}

	writeJSON(w, http.StatusOK, resp)
}

type unfinishedOrderResponse struct {
	orderResponse
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
	Action string `json:"action"`
	CanPay bool   `json:"can_pay"`
}

type unfinishedResponse struct {
	Orders    []unfinishedOrderResponse `json:"orders"`
	Purgeable int                       `json:"purgeable_drafts"`
}

// GetUnfinished возвращает незавершённые заказы текущего покупателя.
func (h *Handler) GetUnfinished(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	report, err := h.service.Unfinished(r.Context(), actor.ID)
	if err != nil {
		h.writeOrderError(w, err, "get unfinished", zap.Int64("customerID", actor.ID))
		return
	}

	if len(report.Orders) == 0 && len(report.Purgeable) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := unfinishedResponse{
		Orders:    make([]unfinishedOrderResponse, 0, len(report.Orders)),
		Purgeable: len(report.Purgeable),
	}
	for _, u := range report.Orders {
		resp.Orders = append(resp.Orders, unfinishedOrderResponse{
			orderResponse: newOrderResponse(&u.Order),
			Kind:          string(u.Kind),
			Reason:        u.Reason,
			Action:        u.Action,
			CanPay:        u.CanPay,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type restoreResponse struct {
	Number    string          `json:"number"`
	Added     int             `json:"added"`
	Selection model.Selection `json:"selection"`
}

// Restore возвращает позиции незавершённого заказа в рабочий набор покупателя.
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	res, err := h.service.Restore(r.Context(), actor.ID, id)
	if err != nil {
		h.writeOrderError(w, err, "restore order", zap.String("orderID", id.String()), zap.Int64("customerID", actor.ID))
		return
	}

	writeJSON(w, http.StatusOK, restoreResponse{
		Number:    res.Order.Number,
		Added:     res.Added,
		Selection: res.Selection,
	})
}

type purgeResponse struct {
	Removed int `json:"removed"`
}

// PurgeDrafts удаляет пустые черновики текущего покупателя.
func (h *Handler) PurgeDrafts(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	removed, err := h.service.PurgeEmptyDrafts(r.Context(), actor.ID)
	if err != nil {
		h.writeOrderError(w, err, "purge drafts", zap.Int64("customerID", actor.ID))
		return
	}

	writeJSON(w, http.StatusOK, purgeResponse{Removed: removed})
}

// DeleteDraft удаляет пустой черновик текущего покупателя.
func (h *Handler) DeleteDraft(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteDraft(r.Context(), id, false, actor); err != nil {
		h.writeOrderError(w, err, "delete draft", zap.String("orderID", id.String()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Cancel отменяет заказ текущего покупателя.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	o, err := h.service.Cancel(r.Context(), id, actor)
	if err != nil {
		h.writeOrderError(w, err, "cancel order", zap.String("orderID", id.String()), zap.Int64("actor", actor.ID))
		return
	}

	writeJSON(w, http.StatusOK, newOrderResponse(o))
}
