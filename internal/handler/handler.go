// Package handler содержит HTTP-обработчики API панели.
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel/internal/middleware"
	"github.com/mmeshcher/smmpanel/internal/model"
	"github.com/mmeshcher/smmpanel/internal/provider"
	"github.com/mmeshcher/smmpanel/internal/service"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Catalog — операции каталога услуг.
type Catalog interface {
	List(ctx context.Context, includeInactive bool) ([]model.Category, error)
	Get(ctx context.Context, serviceID int64) (*model.CatalogEntry, error)
	Markup(ctx context.Context) (decimal.Decimal, error)
	Sync(ctx context.Context) (*service.CatalogSyncReport, error)
	SetMarkup(ctx context.Context, pct decimal.Decimal) (*service.MarkupResult, error)
	SetDescription(ctx context.Context, serviceID int64, text string) error
}

// Ledger — операции кредитного журнала.
type Ledger interface {
	Balance(ctx context.Context, userID string, limit int) (*model.Balance, error)
	Adjust(ctx context.Context, admin model.User, userID string, amount decimal.Decimal, kind model.EntryKind, description string) (*model.LedgerEntry, error)
}

// Orders — операции с заказами.
type Orders interface {
	CreateOrder(ctx context.Context, userID string, serviceID int64, link string, quantity int) (*model.Order, error)
	PlaceCreditOrder(ctx context.Context, user model.User, serviceID int64, link string, quantity int) (*model.Order, error)
	FundWithCredits(ctx context.Context, user model.User, orderID uuid.UUID) (*model.Order, error)
	Submit(ctx context.Context, orderID uuid.UUID) (*model.Order, error)
	Get(ctx context.Context, user model.User, orderID uuid.UUID) (*model.Order, error)
	List(ctx context.Context, userID string) ([]model.Order, error)
	ListAll(ctx context.Context, limit int) ([]model.Order, error)
	SyncStatus(ctx context.Context, user model.User, orderID uuid.UUID) (*model.Order, error)
	SyncAll(ctx context.Context) (*service.SyncReport, error)
	ProviderBalance(ctx context.Context) (*provider.Balance, error)
}

// Payments — операции с платежами.
type Payments interface {
	Methods() []string
	CreatePayment(ctx context.Context, user model.User, req service.PaymentRequest) (*service.PaymentSession, error)
	Capture(ctx context.Context, user model.User, paymentID uuid.UUID) (*model.Payment, error)
	CompletePayment(ctx context.Context, paymentID uuid.UUID, externalTxID string) (*model.Payment, error)
	FailPayment(ctx context.Context, admin model.User, paymentID uuid.UUID) (*model.Payment, error)
	List(ctx context.Context, limit int) ([]model.Payment, error)
	HandleWebhook(ctx context.Context, processor string, headers http.Header, body []byte) (*service.WebhookResult, error)
}

// Pinger проверяет доступность хранилища.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services объединяет зависимости обработчиков.
type Services struct {
	Catalog  Catalog
	Ledger   Ledger
	Orders   Orders
	Payments Payments
	DB       Pinger
}

// Handler реализует HTTP API панели.
type Handler struct {
	catalog  Catalog
	ledger   Ledger
	orders   Orders
	payments Payments
	db       Pinger

	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	rateLimiter    *middleware.RateLimiter
	gatherer       prometheus.Gatherer
}

// NewHandler создаёт обработчик. rateLimiter может быть nil; для nil gatherer используется реестр по умолчанию.
func NewHandler(s Services, logger *zap.Logger, auth *middleware.AuthMiddleware, rateLimiter *middleware.RateLimiter, gatherer prometheus.Gatherer) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		catalog:        s.Catalog,
		ledger:         s.Ledger,
		orders:         s.Orders,
		payments:       s.Payments,
		db:             s.DB,
		logger:         logger,
		authMiddleware: auth,
		rateLimiter:    rateLimiter,
		gatherer:       gatherer,
	}
}

// Health сообщает о готовности сервиса.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.logger.Error("health check failed", zap.Error(err))
			writeMessage(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListServices возвращает каталог, сгруппированный по категориям.
// Администратор может запросить и неактивные услуги параметром all=true.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUserFromContext(r.Context())
	includeInactive := user.IsAdmin() && r.URL.Query().Get("all") == "true"

	categories, err := h.catalog.List(r.Context(), includeInactive)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, categories)
}

// GetService возвращает услугу каталога.
func (h *Handler) GetService(w http.ResponseWriter, r *http.Request) {
	id, ok := serviceIDParam(w, r)
	if !ok {
		return
	}

	entry, err := h.catalog.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, entry)
}

type createOrderRequest struct {
	ServiceID int64  `json:"serviceId"`
	Link      string `json:"link"`
	Quantity  int    `json:"quantity"`
}

func (req createOrderRequest) valid() bool {
	return req.ServiceID > 0 && req.Link != "" && req.Quantity > 0
}

// CreateOrder создаёт заказ в статусе pending.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.valid() {
		writeMessage(w, http.StatusBadRequest, "serviceId, link and quantity are required")
		return
	}

	o, err := h.orders.CreateOrder(r.Context(), user.ID, req.ServiceID, req.Link, req.Quantity)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusCreated, o)
}

// CreateCreditOrder создаёт заказ, оплачивает его кредитами и отправляет поставщику.
func (h *Handler) CreateCreditOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.valid() {
		writeMessage(w, http.StatusBadRequest, "serviceId, link and quantity are required")
		return
	}

	o, err := h.orders.PlaceCreditOrder(r.Context(), user, req.ServiceID, req.Link, req.Quantity)
	if err != nil {
		h.writeError(w, r, err, o)
		return
	}
	writeData(w, http.StatusCreated, o)
}

// ListOrders возвращает заказы текущего пользователя.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	orders, err := h.orders.List(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, orders)
}

// GetOrder возвращает заказ.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r)
	if !ok {
		return
	}

	o, err := h.orders.Get(r.Context(), user, id)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, o)
}

// FundOrder оплачивает заказ кредитами.
func (h *Handler) FundOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r)
	if !ok {
		return
	}

	o, err := h.orders.FundWithCredits(r.Context(), user, id)
	if err != nil {
		h.writeError(w, r, err, o)
		return
	}
	writeData(w, http.StatusOK, o)
}

// SyncOrder обновляет статус заказа у поставщика.
func (h *Handler) SyncOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r)
	if !ok {
		return
	}

	o, err := h.orders.SyncStatus(r.Context(), user, id)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, o)
}

// GetCredits возвращает баланс и последние записи журнала текущего пользователя.
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	balance, err := h.ledger.Balance(r.Context(), user.ID, limitParam(r, 20))
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, balance)
}

// ListPaymentMethods возвращает настроенные способы оплаты.
func (h *Handler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.payments.Methods())
}

type createPaymentRequest struct {
	OrderID *uuid.UUID      `json:"orderId"`
	Amount  decimal.Decimal `json:"amount"`
	Method  string          `json:"method"`
}

// CreatePayment создаёт платёж за заказ или покупку кредитов.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req createPaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Method == "" {
		writeMessage(w, http.StatusBadRequest, "method is required")
		return
	}

	session, err := h.payments.CreatePayment(r.Context(), user, service.PaymentRequest{
		OrderID: req.OrderID,
		Amount:  req.Amount,
		Method:  req.Method,
	})
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusCreated, session)
}

// CapturePayment подтверждает списание после одобрения платежа покупателем.
func (h *Handler) CapturePayment(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r)
	if !ok {
		return
	}

	p, err := h.payments.Capture(r.Context(), user, id)
	if err != nil {
		h.writeError(w, r, err, p)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) (model.User, bool) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return model.User{}, false
	}
	return user, true
}

func uuidParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func serviceIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeMessage(w, http.StatusBadRequest, "invalid service id")
		return 0, false
	}
	return id, true
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
