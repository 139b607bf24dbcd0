package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	apierrors "keymint/internal/errors"
	"keymint/internal/issuance"
)

// SignatureHeader carries the payment processor's HMAC signature.
const SignatureHeader = "X-Webhook-Signature"

const maxWebhookBody = 1 << 20

// WebhookHandler receives payment processor deliveries and hands them to
// the issuance service.
type WebhookHandler struct {
	service *issuance.Service
	logger  *slog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(service *issuance.Service, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "webhook")),
	}
}

// Handle processes POST /webhook. Signature failures are 400 so the
// processor stops redelivering forged payloads; processing failures are
// 500 so it retries.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		apierrors.WriteError(w, apierrors.InvalidRequestWithError(err))
		return
	}

	err = h.service.HandleEvent(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		if errors.Is(err, issuance.ErrBadEventSignature) {
			h.logger.WarnContext(r.Context(), "webhook signature rejected",
				slog.String("remote_addr", r.RemoteAddr))
			apierrors.WriteError(w, apierrors.BadSignatureError(err))
			return
		}

		h.logger.ErrorContext(r.Context(), "webhook processing failed",
			slog.String("error", err.Error()))
		apierrors.WriteError(w, apierrors.EventProcessingError(err))
		return
	}

	render.JSON(w, r, map[string]bool{"received": true})
}
