package http

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/render"

	"keymint/internal/registry"
)

// HealthHandler reports service liveness and whether a registry document
// exists yet. It never exposes license contents.
type HealthHandler struct {
	store  *registry.Store
	logger *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(store *registry.Store, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		store:  store,
		logger: logger.With(slog.String("handler", "health")),
	}
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// HealthCheck handles GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	database := "missing"
	if _, err := os.Stat(h.store.Path(registry.TargetPrivate)); err == nil {
		database = "exists"
	}
	render.JSON(w, r, HealthResponse{Status: "ok", Database: database})
}
