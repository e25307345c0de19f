package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/billing"
	"billingsync/internal/core"
	"billingsync/internal/types"
)

// SubscriptionReader is the read surface offered to collaborators.
// Satisfied by *billing.Service.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, accountID string) (*billing.SubscriptionView, error)
	ListAuditHistory(ctx context.Context, accountID string, limit int) ([]types.AuditEntry, error)
}

// accountParams holds the validated path parameters.
type accountParams struct {
	AccountID string `validate:"required,identifier"`
}

// SubscriptionHandler serves the read API under /v1.
type SubscriptionHandler struct {
	service   SubscriptionReader
	validator *core.Validator
	logger    *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(service SubscriptionReader, validator *core.Validator, logger *slog.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = core.NewValidator(logger)
	}
	return &SubscriptionHandler{
		service:   service,
		validator: validator,
		logger:    logger,
	}
}

// RegisterRoutes mounts the read endpoints, relative to /v1:
//
//	GET /accounts/{accountID}/subscription
//	GET /accounts/{accountID}/audit?limit=N
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Get("/subscription", h.GetSubscription)
		r.Get("/audit", h.ListAudit)
	})
}

// GetSubscription handles GET /v1/accounts/{accountID}/subscription. An
// account without history yields the NONE record at version 0.
func (h *SubscriptionHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	view, err := h.service.GetSubscription(r.Context(), accountID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to read subscription",
			"account_id", accountID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: view})
}

// ListAudit handles GET /v1/accounts/{accountID}/audit.
func (h *SubscriptionHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	limit := billing.DefaultAuditLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 || n > billing.MaxAuditLimit {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationInvalidID,
				"limit must be a number between 1 and "+strconv.Itoa(billing.MaxAuditLimit),
				nil,
			))
			return
		}
		limit = n
	}

	entries, err := h.service.ListAuditHistory(r.Context(), accountID, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list audit history",
			"account_id", accountID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: entries,
		Meta: &core.ResponseMeta{Count: len(entries), Limit: limit},
	})
}

func (h *SubscriptionHandler) accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	params := accountParams{AccountID: chi.URLParam(r, "accountID")}
	if err := h.validator.ValidateStruct(params); err != nil {
		core.Error(w, r, err)
		return "", false
	}
	return params.AccountID, true
}
