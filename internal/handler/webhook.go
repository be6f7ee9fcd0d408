package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel/internal/model"
)

// PaymentWebhook принимает уведомление платёжной системы.
// Тело читается целиком: подпись проверяется над исходными байтами.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	processor := chi.URLParam(r, "processor")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}

	res, err := h.payments.HandleWebhook(r.Context(), processor, r.Header, body)
	if errors.Is(err, model.ErrWebhookVerification) {
		h.logger.Warn("webhook verification failed",
			zap.String("processor", processor),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
	}
	if err != nil {
		h.writeError(w, r, err, res)
		return
	}

	writeData(w, http.StatusOK, res)
}
