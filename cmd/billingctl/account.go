package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"billingsync/internal/app"
	"billingsync/internal/core"
)

func (c *cli) accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage known accounts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <account>",
		Short: "Register an account so webhooks can resolve to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd.Context(), func(ctx context.Context, backend *app.Backend, _ *slog.Logger) error {
				if err := backend.Store.UpsertAccount(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "account %s registered\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func (c *cli) opsTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops-token",
		Short: "Manage the read API token",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash",
		Short: "Read a token from stdin and print its OPS_TOKEN_HASH value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			token := strings.TrimSpace(line)
			if token == "" {
				if err != nil {
					return fmt.Errorf("reading token: %w", err)
				}
				return fmt.Errorf("token must not be empty")
			}
			hash, err := core.HashOpsToken(token)
			if err != nil {
				return fmt.Errorf("hashing token: %w", err)
			}
			fmt.Fprintln(c.out, hash)
			return nil
		},
	})
	return cmd
}
