/*
main.go - Application entry point

PURPOSE:
  The billing command. Serves the HTTP API and exposes a few read-only
  operations (invoice preview, sibling state) for support staff.

COMMANDS:
  billing serve     [--port]                   Start the HTTP API
  billing migrate                              Create or upgrade the schema
  billing invoice   --student ID [--month M]   Print the invoice (draft or persisted)
  billing sibling   --family ID  [--month M]   Print the sibling discount state

GLOBAL FLAGS:
  --config      YAML config file (default: $BILLING_CONFIG)
  --db          SQLite database path; ":memory:" for a throwaway database
  --log-level   debug | info | warn | error
  --log-format  text | json

CONFIGURATION:
  Defaults, then the YAML file, then .env and BILLING_* variables, then
  flags. See config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration layers
  - factory/policy.go: Billing policy files
*/
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/store/sqlite"
	"github.com/warp/billing-engine/tuition"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions holds global flags and what PersistentPreRunE builds from
// them.
type rootOptions struct {
	configPath string
	dbPath     string
	logLevel   string
	logFormat  string

	cfg *config.Config
	log *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "billing",
		Short:        "Tuition billing and payment allocation engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (text|json)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newInvoiceCommand(opts))
	cmd.AddCommand(newSiblingCommand(opts))

	return cmd
}

// load resolves configuration and installs the logger. Flags win over
// every other layer.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := cfg.SlogLevel()
	o.cfg = cfg
	o.log = slog.New(newLogHandler(cmd.ErrOrStderr(), cfg.LogFormat, level))
	slog.SetDefault(o.log)
	return nil
}

func newLogHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	hopts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, hopts)
	}
	return slog.NewTextHandler(w, hopts)
}

// =============================================================================
// ENGINE WIRING
// =============================================================================

type engine struct {
	store  *sqlite.Store
	svc    *tuition.Service
	policy *factory.BillingPolicy
	money  *api.MoneyDisplay
}

func (o *rootOptions) openEngine() (*engine, error) {
	policy, err := o.policy()
	if err != nil {
		return nil, err
	}
	loc, err := o.cfg.Location()
	if err != nil {
		return nil, err
	}
	money, err := api.NewMoneyDisplay(o.cfg.Locale, o.cfg.Currency)
	if err != nil {
		return nil, err
	}

	o.log.Debug("opening database", "path", o.cfg.DBPath)
	store, err := sqlite.New(o.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	svc := tuition.NewService(store, policy.Options(generic.SystemClock{Loc: loc}, o.log))
	return &engine{store: store, svc: svc, policy: policy, money: money}, nil
}

// policy loads the policy file when configured, otherwise builds the
// policy from the billing section of the config.
func (o *rootOptions) policy() (*factory.BillingPolicy, error) {
	if o.cfg.PolicyFile != "" {
		p, err := factory.NewPolicyFactory().LoadFile(o.cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		o.log.Info("billing policy loaded", "file", o.cfg.PolicyFile, "id", p.ID, "winner", p.Winner.Name())
		return p, nil
	}

	b := o.cfg.Billing
	winner, err := factory.WinnerPolicy(b.SiblingPolicy, "")
	if err != nil {
		return nil, err
	}
	pct, err := factory.ParsePercent(b.SiblingPercent)
	if err != nil {
		return nil, err
	}
	p := factory.Default()
	p.ID = "config"
	p.Winner = winner
	p.SiblingPercent = pct
	p.MaxPayment = generic.Money(b.MaxPayment)
	p.MaxRetries = b.MaxRetries
	return p, nil
}
