package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/insightengine/orchestrator/internal/auth"
	"github.com/insightengine/orchestrator/internal/config"
	"github.com/insightengine/orchestrator/internal/db"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "research-orchestrator",
		Short:         "Multi-agent research report service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (defaults to $CONFIG_PATH)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and session workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	var direction string
	var steps int
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back SQL store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, _, err := config.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()
			switch direction {
			case "up":
				return db.Migrate(cfg.Database.URL(), logger)
			case "down":
				if steps <= 0 {
					steps = 1
				}
				return db.Rollback(cfg.Database.URL(), steps, logger)
			default:
				return fmt.Errorf("unknown direction %q (want up or down)", direction)
			}
		},
	}
	migrateCmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrateCmd.Flags().IntVar(&steps, "steps", 1, "steps to roll back with --direction down")

	var subject, name string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			tok, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, ttl).IssueToken(subject, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	token.Flags().StringVar(&subject, "user", "", "user id (token subject)")
	token.Flags().StringVar(&name, "name", "", "display name")
	token.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	_ = token.MarkFlagRequired("user")

	root.AddCommand(serve, migrateCmd, token)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
