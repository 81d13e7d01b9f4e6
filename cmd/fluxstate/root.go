package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petrijr/fluxstate/internal/config"
	"github.com/petrijr/fluxstate/internal/database"
	"github.com/petrijr/fluxstate/internal/logger"
)

type configKey struct{}

// RootCmd returns the fluxstate command tree.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fluxstate",
		Short:        "Manage the fluxstate run-state database",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.WithOverrides(flagOverrides(cmd)))
			if err != nil {
				return err
			}
			log := logger.New(logger.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON, Output: cmd.ErrOrStderr()})
			ctx := logger.ContextWithLogger(cmd.Context(), log)
			cmd.SetContext(context.WithValue(ctx, configKey{}, cfg))
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("database-url", "", "Connection URL, e.g. postgresql://user@host/db or sqlite:///fluxstate.db")
	flags.Bool("echo", false, "Log every SQL statement")
	flags.Duration("timeout", 0, "Statement timeout (0 disables it)")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.Bool("log-json", false, "Log as JSON")

	root.AddCommand(DatabaseCmd())
	return root
}

// flagOverrides maps the flags the user set onto configuration keys. Unset
// flags leave the environment and defaults in charge.
func flagOverrides(cmd *cobra.Command) map[string]any {
	keys := map[string]string{
		"database-url": "database.connection_url",
		"echo":         "database.echo",
		"timeout":      "database.timeout",
		"log-level":    "log.level",
		"log-json":     "log.json",
	}
	out := map[string]any{}
	for flag, key := range keys {
		f := cmd.Flags().Lookup(flag)
		if f != nil && f.Changed {
			out[key] = f.Value.String()
		}
	}
	return out
}

func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey{}).(*config.Config)
	if !ok {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}

func databaseFrom(cmd *cobra.Command) (*database.Interface, error) {
	cfg, err := configFrom(cmd)
	if err != nil {
		return nil, err
	}
	return database.New(database.Settings{
		ConnectionURL: cfg.Database.ConnectionURL,
		Echo:          cfg.Database.Echo,
		Timeout:       cfg.Database.Timeout,
	}), nil
}
