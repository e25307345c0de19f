package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"billingsync/internal/app"
	"billingsync/internal/billing"
	"billingsync/internal/types"
)

func (c *cli) subscriptionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscription",
		Short: "Inspect subscription records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <account>",
		Short: "Print an account's subscription and effective tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd.Context(), func(ctx context.Context, backend *app.Backend, logger *slog.Logger) error {
				view, err := newService(backend, logger).GetSubscription(ctx, args[0])
				if err != nil {
					return err
				}
				return c.printJSON(view)
			})
		},
	})
	return cmd
}

func (c *cli) auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the subscription audit trail",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list <account>",
		Short: "Print an account's audit entries in version order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd.Context(), func(ctx context.Context, backend *app.Backend, logger *slog.Logger) error {
				entries, err := newService(backend, logger).ListAuditHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return c.printJSON(entries)
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", billing.DefaultAuditLimit, "maximum entries")

	verify := &cobra.Command{
		Use:   "verify <account>",
		Short: "Replay the audit trail and compare it with the stored record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd.Context(), func(ctx context.Context, backend *app.Backend, _ *slog.Logger) error {
				return c.verifyAudit(ctx, backend.Store, args[0])
			})
		},
	}

	cmd.AddCommand(list, verify)
	return cmd
}

func (c *cli) verifyAudit(ctx context.Context, store billing.SubscriptionStore, accountID string) error {
	stored, err := store.GetSubscription(ctx, accountID)
	if err != nil {
		return err
	}
	// One audit entry per committed version.
	var entries []types.AuditEntry
	if stored.Version > 0 {
		entries, err = store.ListAudit(ctx, accountID, int(stored.Version))
		if err != nil {
			return err
		}
	}
	replayed := billing.Replay(accountID, entries)

	var mismatches []string
	if replayed.Status != stored.Status {
		mismatches = append(mismatches, fmt.Sprintf("status: audit=%s stored=%s", replayed.Status, stored.Status))
	}
	if replayed.Tier != stored.Tier {
		mismatches = append(mismatches, fmt.Sprintf("tier: audit=%s stored=%s", replayed.Tier, stored.Tier))
	}
	if replayed.ActiveProvider != stored.ActiveProvider {
		mismatches = append(mismatches, fmt.Sprintf("provider: audit=%s stored=%s", replayed.ActiveProvider, stored.ActiveProvider))
	}
	if replayed.Version != stored.Version {
		mismatches = append(mismatches, fmt.Sprintf("version: audit=%d stored=%d", replayed.Version, stored.Version))
	}
	if !replayed.LastEventAt.Equal(stored.LastEventAt) {
		mismatches = append(mismatches, "last_event_at differs")
	}

	if err := c.printJSON(map[string]any{
		"account_id": accountID,
		"entries":    len(entries),
		"consistent": len(mismatches) == 0,
		"mismatches": mismatches,
	}); err != nil {
		return err
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("audit trail for %s does not reproduce the stored record", accountID)
	}
	return nil
}

func (c *cli) ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the idempotency ledger",
	}

	var (
		olderThan time.Duration
		limit     int
	)
	pending := &cobra.Command{
		Use:   "pending",
		Short: "List claims still PENDING after --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withBackend(cmd.Context(), func(ctx context.Context, backend *app.Backend, _ *slog.Logger) error {
				claims, err := backend.Store.ListPendingClaims(ctx, time.Now().UTC().Add(-olderThan), limit)
				if err != nil {
					return err
				}
				return c.printJSON(claims)
			})
		},
	}
	pending.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "minimum claim age")
	pending.Flags().IntVarP(&limit, "limit", "n", 100, "maximum claims")

	show := &cobra.Command{
		Use:   "show <provider> <event_id>",
		Short: "Print a ledger entry and its delivery attempts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, ok := types.ParseProvider(args[0])
			if !ok {
				return fmt.Errorf("unknown provider %q", args[0])
			}
			return c.withBackend(cmd.Context(), func(ctx context.Context, backend *app.Backend, _ *slog.Logger) error {
				entry, err := backend.Store.GetProcessedEvent(ctx, provider, args[1])
				if err != nil {
					return err
				}
				if entry == nil {
					return fmt.Errorf("no ledger entry for %s/%s", provider.Slug(), args[1])
				}
				attempts, err := backend.Store.ListDeliveryAttempts(ctx, provider, args[1])
				if err != nil {
					return err
				}
				return c.printJSON(map[string]any{
					"entry":    entry,
					"attempts": attempts,
				})
			})
		},
	}

	cmd.AddCommand(pending, show)
	return cmd
}

func newService(backend *app.Backend, logger *slog.Logger) *billing.Service {
	return billing.NewService(backend.Store, billing.NewStaticEntitlementPolicy(), logger)
}
