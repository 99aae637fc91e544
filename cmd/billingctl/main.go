// Command billingctl runs hearth's billing maintenance jobs on demand.
//
// Usage:
//
//	billingctl sweep --all
//	billingctl sweep --user u_123 --email ana@example.com
//	billingctl rollover
//	billingctl expire-offers
//	billingctl token --user u_123 --admin
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hearthly/hearth/internal/auth"
	"github.com/hearthly/hearth/internal/config"
	"github.com/hearthly/hearth/internal/logging"
	"github.com/hearthly/hearth/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(config.Load, os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli carries the state shared by subcommands.
type cli struct {
	load   func() (*config.Config, error)
	out    io.Writer
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd(load func() (*config.Config, error), out io.Writer) *cobra.Command {
	c := &cli{load: load, out: out}

	root := &cobra.Command{
		Use:          "billingctl",
		Short:        "Operate hearth billing reconciliation and rescue jobs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}
	root.SetOut(out)

	root.AddCommand(c.sweepCmd(), c.rolloverCmd(), c.expireOffersCmd(), c.tokenCmd())
	return root
}

// withApp builds the service graph for one command and closes it after.
func (c *cli) withApp(ctx context.Context, fn func(*server.App) (any, error)) error {
	app, err := server.NewApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	result, err := fn(app)
	if err != nil {
		return err
	}
	return c.print(result)
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) sweepCmd() *cobra.Command {
	var (
		all    bool
		userID string
		email  string
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile entitlements with the payment processor",
		Long: `Pull subscriptions and checkout sessions from the processor and raise
local entitlements that fell behind. Never lowers a plan.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if all == (userID != "") {
				return fmt.Errorf("exactly one of --all or --user is required")
			}
			return c.withApp(cmd.Context(), func(app *server.App) (any, error) {
				if all {
					return app.Engine.SyncAll(cmd.Context())
				}
				return app.Engine.SyncUser(cmd.Context(), userID, email)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "sweep every known user")
	cmd.Flags().StringVar(&userID, "user", "", "sweep a single user")
	cmd.Flags().StringVar(&email, "email", "", "email used to find processor customers for --user")
	return cmd
}

func (c *cli) rolloverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Apply scheduled downgrades and cancellations whose period has ended",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(app *server.App) (any, error) {
				return app.Billing.RunRollover(cmd.Context())
			})
		},
	}
}

func (c *cli) expireOffersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire-offers",
		Short: "Expire open rescue offers past their deadline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(app *server.App) (any, error) {
				n, err := app.Rescue.ExpireDue(cmd.Context())
				return map[string]int{"expired": n}, err
			})
		},
	}
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		userID string
		email  string
		admin  bool
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := auth.NewVerifier(c.cfg.JWTSecret).Issue(auth.Principal{
				UserID: userID,
				Email:  email,
				Admin:  admin,
			}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.out, tok)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "subject user id")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
