// tgcode bridges chat conversations to an opencode agent server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/tgcode/internal/config"
	"github.com/ashureev/tgcode/internal/sentry"
	"github.com/ashureev/tgcode/internal/store"
)

var version = "0.1.0"

var (
	rootCmd = &cobra.Command{
		Use:           "tgcode",
		Short:         "tgcode - chat with an opencode agent from Telegram or a browser.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Inspect the session ownership index",
	}

	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List recorded agent sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(func(repo store.Repository) error {
				records, err := repo.ListSessions(cmd.Context())
				if err != nil {
					return fmt.Errorf("list sessions: %w", err)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SESSION\tCONVERSATION\tDIRECTORY\tIDLE")
				now := time.Now()
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.SessionID, r.ConversationID, r.Directory,
						r.Idle(now).Round(time.Second))
				}
				return tw.Flush()
			})
		},
	}

	sessionsClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Forget every recorded session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(func(repo store.Repository) error {
				n, err := repo.ClearSessions(cmd.Context())
				if err != nil {
					return fmt.Errorf("clear sessions: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d sessions\n", n)
				return nil
			})
		},
	}

	projectsCmd = &cobra.Command{
		Use:   "projects",
		Short: "List the configured projects",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := config.LoadCatalog(cfg.ProjectsFile)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ALIAS\tPATH\tDEFAULT")
			for _, p := range catalog.Projects() {
				def := ""
				if p.Alias == catalog.Default {
					def = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Alias, p.Path, def)
			}
			return tw.Flush()
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of tgcode",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tgcode version %s\n", version)
		},
	}
)

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsClearCmd)
	rootCmd.AddCommand(serveCmd, sessionsCmd, projectsCmd, versionCmd)
}

// loadConfig reads .env if present, then the environment.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func withStore(fn func(store.Repository) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	return fn(repo)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	sentry.Flush()
	if err != nil {
		slog.Error("tgcode failed", "error", err)
		os.Exit(1)
	}
}
