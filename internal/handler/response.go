package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel/internal/model"
)

const maxBodyBytes = 1 << 20

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type insufficientFundsData struct {
	Balance   string `json:"balance"`
	Required  string `json:"required"`
	Shortfall string `json:"shortfall"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

// writeError переводит ошибку сервиса в HTTP-ответ по её классу.
// data передаётся вместе с ошибкой, когда операция выполнена частично.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, data any) {
	var insufficient *model.InsufficientFundsError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusPaymentRequired, envelope{
			Error: insufficient.Error(),
			Data: insufficientFundsData{
				Balance:   insufficient.Balance.StringFixed(2),
				Required:  insufficient.Required.StringFixed(2),
				Shortfall: insufficient.Shortfall().StringFixed(2),
			},
		})
		return
	}

	status := http.StatusInternalServerError
	msg := http.StatusText(http.StatusInternalServerError)

	switch {
	case errors.Is(err, model.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, model.ErrValidation):
		status, msg = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, model.ErrForbidden):
		status, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, model.ErrWebhookVerification):
		status, msg = http.StatusUnauthorized, "webhook verification failed"
	case errors.Is(err, model.ErrAlreadyDone):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, model.ErrGatewayUnavailable):
		status, msg = http.StatusBadGateway, "upstream service unavailable, retry later"
		h.logger.Warn("gateway unavailable", zap.String("path", r.URL.Path), zap.Error(err))
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}

	writeJSON(w, status, envelope{Success: false, Error: msg, Data: data})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}
