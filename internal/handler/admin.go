package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel/internal/middleware"
	"github.com/mmeshcher/smmpanel/internal/model"
)

// SyncServices загружает каталог поставщика.
func (h *Handler) SyncServices(w http.ResponseWriter, r *http.Request) {
	report, err := h.catalog.Sync(r.Context())
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, report)
}

type markupRequest struct {
	MarkupPercentage *decimal.Decimal `json:"markupPercentage"`
}

// SetMarkup меняет наценку и пересчитывает розничные цены.
func (h *Handler) SetMarkup(w http.ResponseWriter, r *http.Request) {
	var req markupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MarkupPercentage == nil {
		writeMessage(w, http.StatusBadRequest, "markupPercentage is required")
		return
	}

	res, err := h.catalog.SetMarkup(r.Context(), *req.MarkupPercentage)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	user, _ := middleware.GetUserFromContext(r.Context())
	h.logger.Info("markup changed",
		zap.String("admin_id", user.ID),
		zap.String("markup", res.Percent.String()),
		zap.Int64("version", res.Version),
	)
	writeData(w, http.StatusOK, res)
}

type descriptionRequest struct {
	Description string `json:"description"`
}

// SetServiceDescription задаёт описание услуги.
func (h *Handler) SetServiceDescription(w http.ResponseWriter, r *http.Request) {
	id, ok := serviceIDParam(w, r)
	if !ok {
		return
	}

	var req descriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.catalog.SetDescription(r.Context(), id, req.Description); err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	entry, err := h.catalog.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, entry)
}

// SyncOrders обновляет статусы всех отправленных незавершённых заказов.
func (h *Handler) SyncOrders(w http.ResponseWriter, r *http.Request) {
	report, err := h.orders.SyncAll(r.Context())
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, report)
}

// SubmitOrder повторно отправляет оплаченный заказ поставщику.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r)
	if !ok {
		return
	}

	o, err := h.orders.Submit(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, o)
		return
	}
	writeData(w, http.StatusOK, o)
}

// ListAllOrders возвращает последние заказы всех пользователей.
func (h *Handler) ListAllOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListAll(r.Context(), limitParam(r, defaultListLimit))
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, orders)
}

// ListPayments возвращает последние платежи.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.payments.List(r.Context(), limitParam(r, defaultListLimit))
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, payments)
}

type completePaymentRequest struct {
	ExternalTransactionID string `json:"externalTransactionId"`
}

// CompletePayment вручную завершает платёж по идентификатору транзакции платёжной системы.
func (h *Handler) CompletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r)
	if !ok {
		return
	}

	var req completePaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.payments.CompletePayment(r.Context(), id, req.ExternalTransactionID)
	if err != nil {
		h.writeError(w, r, err, p)
		return
	}

	user, _ := middleware.GetUserFromContext(r.Context())
	h.logger.Info("payment completed manually",
		zap.String("admin_id", user.ID),
		zap.String("payment_id", id.String()),
		zap.String("external_transaction_id", req.ExternalTransactionID),
	)
	writeData(w, http.StatusOK, p)
}

// FailPayment отклоняет ожидающий платёж.
func (h *Handler) FailPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r)
	if !ok {
		return
	}
	user, _ := middleware.GetUserFromContext(r.Context())

	p, err := h.payments.FailPayment(r.Context(), user, id)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, p)
}

type creditAdjustmentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Kind        model.EntryKind `json:"kind"`
	Description string          `json:"description"`
}

// AdjustCredits начисляет бонус или списывает возврат на счёте пользователя.
func (h *Handler) AdjustCredits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		writeMessage(w, http.StatusBadRequest, "user id is required")
		return
	}

	var req creditAdjustmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	admin, _ := middleware.GetUserFromContext(r.Context())

	entry, err := h.ledger.Adjust(r.Context(), admin, userID, req.Amount, req.Kind, req.Description)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusCreated, entry)
}

// ProviderBalance возвращает баланс аккаунта у поставщика.
func (h *Handler) ProviderBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.orders.ProviderBalance(r.Context())
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, balance)
}
