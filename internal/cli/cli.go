// Package cli builds the nimmit command tree: the API server plus the
// operator commands for migrations, payouts, reconciliation and accounts.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nimmit/backend/internal/app"
	"github.com/nimmit/backend/internal/auth"
	"github.com/nimmit/backend/internal/config"
	"github.com/nimmit/backend/internal/database"
	"github.com/nimmit/backend/internal/payouts"
)

var (
	configFile string
	version    = "dev"
)

// BuildCLI returns the root command with every subcommand attached.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nimmit",
		Short: "Nimmit backend: credits, jobs and worker payouts",
		Long: `nimmit runs the Nimmit API and its background queue, and carries the
operator commands used to migrate the database, run and recover payouts,
reconcile worker earnings and create admin accounts.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (yaml, json or toml)")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildMigrateCommand())
	rootCmd.AddCommand(buildPayoutsCommand())
	rootCmd.AddCommand(buildReconcileCommand())
	rootCmd.AddCommand(buildCreditsCommand())
	rootCmd.AddCommand(buildUsersCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			if err := cfg.RequireServe(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if migrate {
				if err := a.Migrate(ctx); err != nil {
					return err
				}
			}
			return a.Serve(ctx)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending migrations before serving")
	return cmd
}

func buildMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			pool, err := database.Connect(cmd.Context(), cfg.Database.URL, log)
			if err != nil {
				return err
			}
			defer pool.Close()
			return database.Migrate(cmd.Context(), pool, log)
		},
	}
}

func buildPayoutsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payouts",
		Short: "Inspect and process worker payouts",
	}
	cmd.AddCommand(buildPayoutsListCommand())
	cmd.AddCommand(buildPayoutsRunCommand())
	cmd.AddCommand(buildPayoutsRecoverCommand())
	return cmd
}

func buildPayoutsListCommand() *cobra.Command {
	var asCSV bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers with pending earnings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Payouts.ListPending(ctx)
				if err != nil {
					return err
				}
				if asCSV {
					return payouts.WriteCSV(cmd.OutOrStdout(), report)
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}

	cmd.Flags().BoolVar(&asCSV, "csv", false, "write the report as CSV")
	return cmd
}

func buildPayoutsRunCommand() *cobra.Command {
	var workerIDs []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Pay out pending earnings",
		Long:  "Pays every worker with pending earnings, or only the workers named with --worker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(workerIDs)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Payouts.ProcessPayouts(ctx, ids)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	cmd.Flags().StringSliceVar(&workerIDs, "worker", nil, "worker id to pay (repeatable)")
	return cmd
}

func buildPayoutsRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Release payouts stuck in processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Payouts.Recover(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func buildReconcileCommand() *cobra.Command {
	var fix bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare pending earnings with unpaid completed jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Reconciler.Run(ctx, fix)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "rewrite drifted balances")
	return cmd
}

func buildCreditsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Manage client credit balances",
	}

	var (
		userID   string
		credits  int64
		rollover int64
	)
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Top up a client's subscription or rollover credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				u, err := a.Ledger.Grant(ctx, id, credits, rollover)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), u)
			})
		},
	}
	grant.Flags().StringVar(&userID, "user", "", "client user id")
	grant.Flags().Int64Var(&credits, "credits", 0, "subscription credits to add")
	grant.Flags().Int64Var(&rollover, "rollover", 0, "rollover credits to add")
	_ = grant.MarkFlagRequired("user")

	cmd.AddCommand(grant)
	return cmd
}

func buildUsersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage accounts",
	}

	var in auth.RegisterInput
	createAdmin := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				u, err := a.Auth.CreateAdmin(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), u)
			})
		},
	}
	createAdmin.Flags().StringVar(&in.Email, "email", "", "admin email")
	createAdmin.Flags().StringVar(&in.Password, "password", "", "initial password")
	createAdmin.Flags().StringVar(&in.Name, "name", "Admin", "display name")
	_ = createAdmin.MarkFlagRequired("email")
	_ = createAdmin.MarkFlagRequired("password")

	cmd.AddCommand(createAdmin)
	return cmd
}

// setup loads the configuration and installs the JSON logger as default.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(log)
	return cfg, log, nil
}

// withApp builds the application for a one-shot command. Logs go to stderr
// so the command's own output on stdout stays parseable.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid --worker %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
