package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderflow/internal/model"
	"github.com/mmeshcher/orderflow/internal/scheduler"
	"github.com/mmeshcher/orderflow/internal/validation"
)

// RequireAdmin пропускает только операторов; остальным отвечает 403 {"message": "no authorization"}.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := h.actor(w, r)
		if !ok {
			return
		}
		if !actor.CanApprove() {
			writeMessage(w, http.StatusForbidden, "no authorization")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type expireRequest struct {
	DryRun bool `json:"dry_run"`
}

type expireResponse struct {
	DryRun         bool                  `json:"dry_run"`
	CancelledCount int                   `json:"cancelled_count"`
	ExpiredOrders  []scheduler.Candidate `json:"expired_orders"`
	Skipped        int                   `json:"skipped"`
	Failed         int                   `json:"failed"`
}

// ExpireOrders выполняет один обход зависших заказов. В пробном режиме возвращает кандидатов без изменений.
func (h *Handler) ExpireOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req expireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	report, err := h.expirer.Sweep(r.Context(), scheduler.SweepOptions{DryRun: req.DryRun})
	if err != nil {
		h.writeOrderError(w, err, "expire orders", zap.Int64("actor", actor.ID), zap.Bool("dryRun", req.DryRun))
		return
	}

	expired := report.Cancelled
	if report.DryRun {
		expired = report.Candidates
	}
	if expired == nil {
		expired = []scheduler.Candidate{}
	}

	h.logger.Info("manual sweep",
		zap.Int64("actor", actor.ID),
		zap.Bool("dryRun", report.DryRun),
		zap.Int("cancelled", report.CancelledCount()),
	)

	writeJSON(w, http.StatusOK, expireResponse{
		DryRun:         report.DryRun,
		CancelledCount: report.CancelledCount(),
		ExpiredOrders:  expired,
		Skipped:        report.Skipped,
		Failed:         report.Failed,
	})
}

func (h *Handler) transitionByNumber(to model.OrderStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := h.actor(w, r)
		if !ok {
			return
		}

		number := chi.URLParam(r, "number")
		if !validation.IsValidOrderNumber(number) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}

		o, err := h.service.TransitionByNumber(r.Context(), number, to, actor)
		if err != nil {
			h.writeOrderError(w, err, "transition order",
				zap.String("order", number),
				zap.String("to", string(to)),
				zap.Int64("actor", actor.ID),
			)
			return
		}

		writeJSON(w, http.StatusOK, newOrderResponse(o))
	}
}

// ForceDeleteDraft удаляет пустой черновик вместе с его платежами, если передан force=true.
func (h *Handler) ForceDeleteDraft(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := h.service.DeleteDraft(r.Context(), id, force, actor); err != nil {
		h.writeOrderError(w, err, "delete draft", zap.String("orderID", id.String()), zap.Bool("force", force))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
