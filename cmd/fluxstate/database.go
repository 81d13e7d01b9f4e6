package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petrijr/fluxstate/internal/database"
	"github.com/petrijr/fluxstate/internal/logger"
)

// DatabaseCmd returns the schema lifecycle command group.
func DatabaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "database",
		Short: "Create or drop the run-state schema",
	}
	cmd.AddCommand(createCmd(), dropCmd())
	return cmd
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create all tables and indexes that do not exist yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			db, err := databaseFrom(cmd)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, database.CloseAll()) }()

			ctx := cmd.Context()
			if err := db.CreateSchema(ctx); err != nil {
				return fmt.Errorf("create schema: %w", err)
			}
			logger.FromContext(ctx).Info("schema created", "tables", len(db.Schema().Tables))
			return nil
		},
	}
}

func dropCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop all tables, indexes and migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return errors.New("refusing to drop the schema without --yes")
			}
			db, err := databaseFrom(cmd)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, database.CloseAll()) }()

			ctx := cmd.Context()
			if err := db.DropSchema(ctx); err != nil {
				return fmt.Errorf("drop schema: %w", err)
			}
			logger.FromContext(ctx).Info("schema dropped")
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "Confirm dropping every table")
	return cmd
}
