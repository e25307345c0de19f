package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"billingsync/internal/db"
)

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
		Long: `Apply or roll back the embedded Postgres migrations.

The SQLite store creates its schema when opened and has no migrations.`,
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := c.migrator()
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()
			if err := m.Down(steps); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := c.migrator()
				if err != nil {
					return err
				}
				defer func() { _ = m.Close() }()
				if err := m.Up(); err != nil {
					return err
				}
				fmt.Fprintln(c.out, "schema up to date")
				return nil
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := c.migrator()
				if err != nil {
					return err
				}
				defer func() { _ = m.Close() }()
				version, dirty, err := m.Version()
				if err != nil {
					return fmt.Errorf("reading schema version: %w", err)
				}
				return c.printJSON(map[string]any{"version": version, "dirty": dirty})
			},
		},
	)
	return cmd
}

func (c *cli) migrator() (*db.Migrator, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Database.Driver == "sqlite" {
		return nil, fmt.Errorf("migrate: the sqlite store manages its own schema")
	}
	return db.NewMigrator(cfg.Database.URL.Unmask(), c.logger(cfg))
}
