// Package provider предоставляет клиент API поставщика SMM-услуг.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/smmpanel/internal/model"
	"github.com/shopspring/decimal"
)

// ErrUnavailable объединяет все сбои обращения к поставщику: сеть, таймаут, не-2xx ответ, некорректный JSON и ответ с ошибкой.
var ErrUnavailable = fmt.Errorf("provider unavailable: %w", model.ErrGatewayUnavailable)

// statusBatchSize ограничивает число заказов в одном запросе статусов.
const statusBatchSize = 100

// Client инкапсулирует HTTP-взаимодействие с поставщиком. Повторы не выполняются, решение принимает вызывающий.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient создаёт клиент поставщика с ограничением времени на каждый запрос.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Service описывает услугу в ответе поставщика.
type Service struct {
	ID       flexInt         `json:"service"`
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Category string          `json:"category"`
	Rate     decimal.Decimal `json:"rate"`
	Min      flexInt         `json:"min"`
	Max      flexInt         `json:"max"`
	Dripfeed bool            `json:"dripfeed"`
	Refill   bool            `json:"refill"`
}

// OrderStatus описывает состояние заказа у поставщика.
type OrderStatus struct {
	Status     string     `json:"status"`
	Charge     flexString `json:"charge"`
	StartCount flexString `json:"start_count"`
	Remains    flexString `json:"remains"`
	Currency   string     `json:"currency"`
	Error      string     `json:"error,omitempty"`
}

// Balance описывает баланс аккаунта у поставщика.
type Balance struct {
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

type addResponse struct {
	Order flexString `json:"order"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Services возвращает полный список услуг поставщика.
func (c *Client) Services(ctx context.Context) ([]Service, error) {
	var res []Service
	if err := c.call(ctx, url.Values{"action": {"services"}}, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// AddOrder размещает заказ и возвращает его внешний идентификатор.
func (c *Client) AddOrder(ctx context.Context, serviceID int64, link string, quantity int) (string, error) {
	form := url.Values{
		"action":   {"add"},
		"service":  {strconv.FormatInt(serviceID, 10)},
		"link":     {link},
		"quantity": {strconv.Itoa(quantity)},
	}

	var res addResponse
	if err := c.call(ctx, form, &res); err != nil {
		return "", err
	}
	if res.Order == "" {
		return "", fmt.Errorf("%w: empty order id", ErrUnavailable)
	}
	return string(res.Order), nil
}

// Status возвращает состояние одного заказа.
func (c *Client) Status(ctx context.Context, externalID string) (*OrderStatus, error) {
	var res OrderStatus
	if err := c.call(ctx, url.Values{"action": {"status"}, "order": {externalID}}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Statuses запрашивает состояния нескольких заказов пачками.
// Заказы, по которым поставщик вернул ошибку, в результат не попадают.
func (c *Client) Statuses(ctx context.Context, externalIDs []string) (map[string]OrderStatus, error) {
	res := make(map[string]OrderStatus, len(externalIDs))
	for start := 0; start < len(externalIDs); start += statusBatchSize {
		end := min(start+statusBatchSize, len(externalIDs))

		var batch map[string]json.RawMessage
		form := url.Values{"action": {"status"}, "orders": {strings.Join(externalIDs[start:end], ",")}}
		if err := c.call(ctx, form, &batch); err != nil {
			return nil, err
		}

		for id, raw := range batch {
			var st OrderStatus
			if err := json.Unmarshal(raw, &st); err != nil || st.Error != "" || st.Status == "" {
				continue
			}
			res[id] = st
		}
	}
	return res, nil
}

// Balance возвращает баланс аккаунта у поставщика.
func (c *Client) Balance(ctx context.Context) (*Balance, error) {
	var res Balance
	if err := c.call(ctx, url.Values{"action": {"balance"}}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) call(ctx context.Context, form url.Values, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("%w: client not configured", ErrUnavailable)
	}

	form.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: do request: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: unexpected status: %d", ErrUnavailable, resp.StatusCode)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var e errorResponse
		if err := json.Unmarshal(trimmed, &e); err == nil && e.Error != "" {
			return fmt.Errorf("%w: %s", ErrUnavailable, e.Error)
		}
	}

	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	return nil
}

// MapStatus переводит статус поставщика во внутренний статус заказа.
// Неизвестные значения считаются processing и никогда не завершают заказ.
func MapStatus(s string) model.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "partial":
		return model.OrderStatusCompleted
	case "processing", "in progress", "pending":
		return model.OrderStatusProcessing
	case "canceled", "cancelled":
		return model.OrderStatusCanceled
	case "failed", "fail":
		return model.OrderStatusFailed
	default:
		return model.OrderStatusProcessing
	}
}

// flexString принимает строку или число.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexInt принимает целое число или строку с числом.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return errors.New("invalid integer: " + string(s))
	}
	*f = flexInt(n)
	return nil
}
