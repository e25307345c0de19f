// Package handlers contains the HTTP handler implementations for the billing
// sync service.
//
// This file implements the webhook dispatcher. Webhook routes are NOT behind
// the ops token middleware; they are called by the payment providers and
// authenticated by the provider signature over the raw body.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/billing"
	"billingsync/internal/core"
	"billingsync/internal/external"
	"billingsync/internal/types"
)

// ---------------------------------------------------------------------------
// Interfaces for webhook handler dependencies
// ---------------------------------------------------------------------------

// EventProcessor runs a decoded event through the ledger and the versioned
// store. Satisfied by *billing.Processor.
type EventProcessor interface {
	Process(ctx context.Context, ev *types.NormalizedEvent, delivery types.RawDelivery) (billing.Result, error)
}

// DeliveryParker keeps a delivery that failed on infrastructure for a later
// replay. Satisfied by *queue.ReplayPublisher.
type DeliveryParker interface {
	Park(ctx context.Context, delivery types.RawDelivery, reason string) error
}

// WebhookRecorder receives ingress telemetry. Satisfied by *metrics.Recorder.
type WebhookRecorder interface {
	ObserveVerificationFailure(provider types.Provider, code types.ErrorCode)
	ObserveParked(provider types.Provider, ok bool)
}

type nopWebhookRecorder struct{}

func (nopWebhookRecorder) ObserveVerificationFailure(types.Provider, types.ErrorCode) {}
func (nopWebhookRecorder) ObserveParked(types.Provider, bool)                         {}

// capturedHeaders are the request headers carried with a delivery into the
// decoder and onto the replay queue.
var capturedHeaders = []string{
	external.HeaderStripeSignature,
	external.HeaderLemonSignature,
	external.HeaderLemonTimestamp,
	external.HeaderLemonEventName,
	"Content-Type",
}

// WebhookAck is the body returned for every delivery the service accepts.
type WebhookAck struct {
	Received bool          `json:"received"`
	Outcome  types.Outcome `json:"outcome"`
	Detail   string        `json:"detail,omitempty"`
}

// ---------------------------------------------------------------------------
// Webhook Handler
// ---------------------------------------------------------------------------

// WebhookHandler receives provider webhooks.
type WebhookHandler struct {
	registry     *external.Registry
	processor    EventProcessor
	parker       DeliveryParker
	recorder     WebhookRecorder
	maxBodyBytes int64
	logger       *slog.Logger
	now          func() time.Time
}

// NewWebhookHandler creates a WebhookHandler. parker and recorder may be nil.
func NewWebhookHandler(
	registry *external.Registry,
	processor EventProcessor,
	parker DeliveryParker,
	recorder WebhookRecorder,
	maxBodyBytes int64,
	logger *slog.Logger,
) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopWebhookRecorder{}
	}
	return &WebhookHandler{
		registry:     registry,
		processor:    processor,
		parker:       parker,
		recorder:     recorder,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes mounts one endpoint per provider, relative to /webhooks:
//
//	POST /stripe
//	POST /lemonsqueezy
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	for _, p := range types.Providers {
		r.Post("/"+p.Slug(), h.handlerFor(p))
	}
}

func (h *WebhookHandler) handlerFor(p types.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Handle(w, r.WithContext(types.WithProvider(r.Context(), p)), p)
	}
}

// Handle processes one delivery for provider p.
//
//  1. Read the raw body (413 past the size limit).
//  2. Verify the signature over the unparsed bytes (401 on failure, nothing
//     is written to the ledger).
//  3. Decode. Undecodable payloads are acknowledged with 200 so the provider
//     stops retrying; they are logged for investigation.
//  4. Process. Infrastructure failures return 503 and park the delivery on
//     the replay queue.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request, p types.Provider) {
	ctx := r.Context()
	logger := h.logger.With(
		"provider", p.Slug(),
		"request_id", types.GetRequestID(ctx),
	)

	adapter, ok := h.registry.Adapter(p)
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundProvider, "provider not supported", nil))
		return
	}

	body, err := core.ReadBody(w, r, h.maxBodyBytes)
	if err != nil {
		logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		core.Error(w, r, err)
		return
	}

	if err := adapter.Verifier.Verify(body, r.Header); err != nil {
		code := types.CodeOf(err)
		logger.WarnContext(ctx, types.LogSecurityEvent+": webhook verification failed",
			"code", string(code),
			"remote_addr", r.RemoteAddr,
			"body_bytes", len(body),
		)
		h.recorder.ObserveVerificationFailure(p, code)
		core.Error(w, r, err)
		return
	}

	delivery := types.RawDelivery{
		Provider:   p,
		Body:       body,
		Headers:    captureHeaders(r.Header),
		ReceivedAt: h.now(),
		RequestID:  types.GetRequestID(ctx),
	}

	ev, err := adapter.Decoder.Decode(delivery)
	if err != nil {
		logger.ErrorContext(ctx, "webhook payload could not be decoded",
			"code", string(types.CodeOf(err)),
			"error", err,
		)
		core.JSON(w, r, http.StatusOK, WebhookAck{
			Received: true,
			Outcome:  types.OutcomeError,
			Detail:   string(types.ErrCodeWebhookDecode),
		})
		return
	}

	// A provider disconnect must not abandon a transition halfway; the
	// processing deadline still bounds the work.
	res, err := h.processor.Process(context.WithoutCancel(ctx), ev, delivery)
	if err != nil {
		h.park(ctx, logger, delivery, err)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, WebhookAck{
		Received: true,
		Outcome:  res.Outcome,
		Detail:   res.Detail,
	})
}

func (h *WebhookHandler) park(ctx context.Context, logger *slog.Logger, delivery types.RawDelivery, cause error) {
	if h.parker == nil || !types.IsRetryable(cause) {
		return
	}
	err := h.parker.Park(context.WithoutCancel(ctx), delivery, string(types.CodeOf(cause)))
	h.recorder.ObserveParked(delivery.Provider, err == nil)
	if err != nil {
		logger.ErrorContext(ctx, types.LogReconcileAlert+": failed to park delivery for replay",
			"error", err,
		)
	}
}

func captureHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(capturedHeaders))
	for _, name := range capturedHeaders {
		if v := header.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}
