package http

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/render"

	apierrors "keymint/internal/errors"
	"keymint/internal/registry"
	"keymint/internal/signing"
)

const recentLicenseLimit = 10

// StatusHandler exposes operational metadata behind a bearer token.
// License keys are always masked; the endpoint never returns a full key
// or any customer identifier.
type StatusHandler struct {
	store  *registry.Store
	token  string
	logger *slog.Logger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(store *registry.Store, token string, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		store:  store,
		token:  token,
		logger: logger.With(slog.String("handler", "status")),
	}
}

// StatusResponse is the GET /status body.
type StatusResponse struct {
	TotalLicenses int             `json:"totalLicenses"`
	LastUpdate    time.Time       `json:"lastUpdate"`
	KeyID         string          `json:"keyId"`
	Recent        []RecentLicense `json:"recent"`
}

// RecentLicense is one masked entry in the status listing.
type RecentLicense struct {
	LicenseKey string    `json:"licenseKey"`
	Tier       string    `json:"tier"`
	Status     string    `json:"status"`
	Issued     time.Time `json:"issued"`
}

// Status handles GET /status.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.logger.WarnContext(r.Context(), "status request rejected",
			slog.String("remote_addr", r.RemoteAddr))
		apierrors.WriteError(w, apierrors.ErrUnauthorized)
		return
	}

	reg, err := h.store.Load(r.Context(), registry.TargetPrivate)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			render.JSON(w, r, StatusResponse{Recent: []RecentLicense{}})
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to load registry for status",
			slog.String("error", err.Error()))
		apierrors.WriteError(w, apierrors.ErrInternalServer)
		return
	}

	entries := make([]registry.Entry, 0, len(reg.Entries))
	for _, entry := range reg.Entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Issued.After(entries[j].Issued)
	})
	if len(entries) > recentLicenseLimit {
		entries = entries[:recentLicenseLimit]
	}

	recent := make([]RecentLicense, 0, len(entries))
	for _, entry := range entries {
		recent = append(recent, RecentLicense{
			LicenseKey: registry.MaskKey(entry.LicenseKey),
			Tier:       string(entry.Tier),
			Status:     entry.Status,
			Issued:     entry.Issued,
		})
	}

	render.JSON(w, r, StatusResponse{
		TotalLicenses: reg.Metadata.TotalLicenses,
		LastUpdate:    reg.Metadata.LastUpdate,
		KeyID:         reg.Metadata.KeyID,
		Recent:        recent,
	})
}

// authorized checks the bearer token in constant time.
func (h *StatusHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return signing.ConstantTimeEqual(token, h.token)
}
