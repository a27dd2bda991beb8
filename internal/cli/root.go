package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/agentledger/internal/checkpoint"
	"github.com/roach88/agentledger/internal/config"
	"github.com/roach88/agentledger/internal/events"
	"github.com/roach88/agentledger/internal/identity"
	"github.com/roach88/agentledger/internal/ledger"
	"github.com/roach88/agentledger/internal/mint"
	"github.com/roach88/agentledger/internal/store"
	"github.com/roach88/agentledger/internal/tipcache"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string // overrides database.dsn
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the agentledger command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "agentledger",
		Short: "Append-only, hash-linked ledgers for on-chain agents",
		Long: `agentledger keeps one hash-linked chain of blocks per agent, where an
agent is identified by the chain, contract and token it was minted from.

Chains are periodically committed into numbered checkpoint epochs, and
ledger entries can be tracked through an external mint backend.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ./agentledger.yaml when present)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "database DSN: SQLite path or postgres:// URL")

	cmd.AddCommand(NewIdentityCommand(opts))
	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewBlocksCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewCheckpointCommand(opts))
	cmd.AddCommand(NewMintCommand(opts))

	return cmd
}

// Execute runs the command tree with args and returns the process exit code.
// Failures are reported on stderr, or on stdout as a CLIResponse with
// --format json.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	format, _ := cmd.PersistentFlags().GetString("format")
	if format == "json" {
		f := &OutputFormatter{Format: format, Writer: stdout}
		_ = f.Error(ErrorCode(err), err.Error(), nil)
	} else {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) && isUsageError(err) {
		return ExitCommandError
	}
	return GetExitCode(err)
}

// isUsageError matches the flag and argument errors cobra returns unwrapped.
func isUsageError(err error) bool {
	msg := err.Error()
	for _, prefix := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "required flag", "accepts ", "requires ", "invalid argument"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// loadConfig reads the config file and applies --db.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database.DSN = opts.Database
		if strings.HasPrefix(opts.Database, "postgres://") || strings.HasPrefix(opts.Database, "postgresql://") {
			cfg.Database.Driver = "postgres"
		} else {
			cfg.Database.Driver = "sqlite"
		}
	}
	return cfg, nil
}

func loadResolver(cfg *config.Config) (*identity.Resolver, error) {
	registry, err := identity.LoadRegistry(cfg.Chains.RegistryFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load chain registry", err)
	}
	return identity.NewResolver(registry), nil
}

// app is the set of services one command invocation works with.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	hint     *tipcache.Redis
	resolver *identity.Resolver

	ledger      *ledger.Ledger
	events      *events.EventLog
	checkpoints *checkpoint.Service
	tracker     *mint.Tracker
}

// openApp loads config, opens the store and wires the services. The Redis
// tip cache and S3 anchor are enabled only when configured.
func openApp(ctx context.Context, cmd *cobra.Command, opts *RootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := cfg.Log.NewLogger(cmd.ErrOrStderr(), opts.Verbose)

	resolver, err := loadResolver(cfg)
	if err != nil {
		return nil, err
	}

	var st *store.Store
	switch cfg.Database.Driver {
	case "postgres":
		st, err = store.OpenPostgres(ctx, cfg.Database.DSN)
	default:
		st, err = store.Open(cfg.Database.DSN)
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	a := &app{cfg: cfg, logger: logger, store: st, resolver: resolver}

	ledgerOpts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithMaxAppendAttempts(cfg.Ledger.MaxAppendAttempts),
	}
	if cfg.Redis.Addr != "" {
		hint, err := tipcache.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			// The cache is an optimization; appends still work against the store.
			logger.Warn("tip cache disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			a.hint = hint
			ledgerOpts = append(ledgerOpts, ledger.WithTipHint(hint))
		}
	}
	a.ledger = ledger.New(st, ledgerOpts...)
	a.events = events.New(st, events.WithLogger(logger))

	cpOpts := []checkpoint.Option{
		checkpoint.WithLogger(logger),
		checkpoint.WithMaxAttempts(cfg.Checkpoint.MaxAttempts),
		checkpoint.WithTimeout(cfg.Checkpoint.Timeout),
	}
	if cfg.Anchor.Bucket != "" {
		anchor, err := checkpoint.NewS3Anchor(ctx, checkpoint.S3AnchorConfig{
			Bucket:   cfg.Anchor.Bucket,
			Region:   cfg.Anchor.Region,
			Endpoint: cfg.Anchor.Endpoint,
			Prefix:   cfg.Anchor.Prefix,
		})
		if err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "failed to configure checkpoint anchor", err)
		}
		cpOpts = append(cpOpts, checkpoint.WithAnchor(anchor))
	}
	a.checkpoints = checkpoint.New(st, cpOpts...)
	a.tracker = mint.NewTracker(st, a.ledger, mint.WithLogger(logger))

	return a, nil
}

// reconciler builds the mint reconciler; it needs mint.backend_url.
func (a *app) reconciler() (*mint.Reconciler, error) {
	if a.cfg.Mint.BackendURL == "" {
		return nil, NewExitError(ExitCommandError, "mint.backend_url is not configured")
	}
	backend := mint.NewHTTPBackend(mint.HTTPBackendConfig{
		URL:     a.cfg.Mint.BackendURL,
		Token:   a.cfg.Mint.Token,
		Timeout: a.cfg.Mint.Timeout,
	})
	return mint.NewReconciler(a.tracker, backend,
		mint.WithRateLimit(a.cfg.Mint.RatePerSecond, a.cfg.Mint.Burst),
		mint.WithBatchSize(a.cfg.Mint.BatchSize),
		mint.WithReconcilerLogger(a.logger),
	), nil
}

func (a *app) Close() error {
	var errs []error
	if a.hint != nil {
		errs = append(errs, a.hint.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
