package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	apierrors "keymint/internal/errors"
	"keymint/internal/registry"
)

// RegistryHandler serves the signed public registry document.
type RegistryHandler struct {
	store  *registry.Store
	logger *slog.Logger
}

// NewRegistryHandler creates a new registry handler
func NewRegistryHandler(store *registry.Store, logger *slog.Logger) *RegistryHandler {
	return &RegistryHandler{
		store:  store,
		logger: logger.With(slog.String("handler", "registry")),
	}
}

// ServePublic handles GET /registry/public.json. The document is loaded
// through the store so it is re-verified on every serve; an unverifiable
// document on disk is a 500, never served as-is.
func (h *RegistryHandler) ServePublic(w http.ResponseWriter, r *http.Request) {
	reg, err := h.store.Load(r.Context(), registry.TargetPublic)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			apierrors.WriteError(w, apierrors.ErrRegistryNotFound)
		case errors.Is(err, registry.ErrRegistryIntegrity):
			h.logger.ErrorContext(r.Context(), "public registry failed verification on serve",
				slog.String("error", err.Error()))
			apierrors.WriteError(w, apierrors.ErrRegistryIntegrity)
		default:
			h.logger.ErrorContext(r.Context(), "failed to load public registry",
				slog.String("error", err.Error()))
			apierrors.WriteError(w, apierrors.ErrInternalServer)
		}
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	render.JSON(w, r, reg)
}
