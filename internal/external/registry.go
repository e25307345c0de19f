package external

import (
	"fmt"
	"log/slog"

	"billingsync/internal/config"
	"billingsync/internal/types"
)

// ---------------------------------------------------------------------------
// Provider Registry
//
// Central factory that builds the verifier and decoder for each payment
// provider from configuration. It is the single point of access for the
// dispatcher and the replay worker.
// ---------------------------------------------------------------------------

// Adapter bundles everything provider-specific about inbound webhooks.
type Adapter struct {
	Provider types.Provider
	Verifier WebhookVerifier
	Decoder  EventDecoder
}

// Registry holds one Adapter per provider.
type Registry struct {
	adapters map[types.Provider]Adapter
}

// NewRegistry builds adapters for every provider. A provider without a
// signing secret is still registered so that its deliveries are rejected
// with auth_webhook_secret_not_configured instead of 404.
func NewRegistry(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	prices, err := NewTierTable(cfg.Stripe.PriceTiers)
	if err != nil {
		return nil, fmt.Errorf("stripe price tiers: %w", err)
	}
	variants, err := NewTierTable(cfg.LemonSqueezy.VariantTiers)
	if err != nil {
		return nil, fmt.Errorf("lemon squeezy variant tiers: %w", err)
	}

	if !cfg.Stripe.WebhookSecret.IsSet() {
		logger.Warn("stripe webhook secret not configured; deliveries will be rejected")
	}
	if !cfg.LemonSqueezy.WebhookSecret.IsSet() {
		logger.Warn("lemon squeezy webhook secret not configured; deliveries will be rejected")
	}

	return NewRegistryFromAdapters(
		Adapter{
			Provider: types.ProviderStripe,
			Verifier: NewStripeVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.Tolerance),
			Decoder:  NewStripeDecoder(prices),
		},
		Adapter{
			Provider: types.ProviderLemonSqueezy,
			Verifier: NewLemonSqueezyVerifier(cfg.LemonSqueezy.WebhookSecret, cfg.LemonSqueezy.Tolerance),
			Decoder:  NewLemonSqueezyDecoder(variants),
		},
	), nil
}

// NewRegistryFromAdapters builds a Registry from explicit adapters.
func NewRegistryFromAdapters(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[types.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider] = a
	}
	return r
}

// Adapter returns the adapter registered for p.
func (r *Registry) Adapter(p types.Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// Decode decodes a delivery with its provider's decoder. Deliveries pulled
// from the replay queue were verified at ingress and come through here.
func (r *Registry) Decode(delivery types.RawDelivery) (*types.NormalizedEvent, error) {
	a, ok := r.adapters[delivery.Provider]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundProvider,
			fmt.Sprintf("no adapter for provider %q", delivery.Provider), nil)
	}
	return a.Decoder.Decode(delivery)
}
