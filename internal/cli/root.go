// Package cli implements metricsctl, the operator command line for metric
// stores. Commands open the database directly; they do not need a running
// daemon.
package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/thebtf/metricache/internal/config"
	gormstore "github.com/thebtf/metricache/internal/db/gorm"
	"github.com/thebtf/metricache/internal/definitions"
	"github.com/thebtf/metricache/internal/maintenance"
	"github.com/thebtf/metricache/pkg/metrics"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	SettingsPath    string
	DefinitionsPath string
	DBPath          string
	DSN             string
	Format          string // "json" | "text"
	Verbose         bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the metricsctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "metricsctl",
		Short: "Inspect and maintain metricache stores",
		Long: `metricsctl reconciles metric stores, runs full passes and shows
pass history for the owners declared in the definitions file.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return WrapExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			return nil
		},
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.SettingsPath, "settings", config.SettingsPath(), "settings file")
	flags.StringVar(&opts.DefinitionsPath, "definitions", "", "metric definitions file (overrides settings)")
	flags.StringVar(&opts.DBPath, "db", "", "SQLite database path (overrides settings)")
	flags.StringVar(&opts.DSN, "dsn", "", "database DSN (overrides settings)")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewRebuildCommand(opts))
	cmd.AddCommand(NewPassCommand(opts))
	cmd.AddCommand(NewColumnsCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// loadConfig loads the settings file and applies flag overrides.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFrom(o.SettingsPath)
	if err != nil {
		return nil, err
	}
	if o.DefinitionsPath != "" {
		cfg.DefinitionsPath = o.DefinitionsPath
	}
	if o.DBPath != "" {
		cfg.DBPath = o.DBPath
	}
	if o.DSN != "" {
		cfg.DSN = o.DSN
	}
	return cfg, nil
}

// env is an opened database with its loaded owners.
type env struct {
	cfg       *config.Config
	store     *gormstore.Store
	set       *definitions.Set
	history   *gormstore.PassRunStore
	scheduler *maintenance.Service
}

func (o *RootOptions) open(out io.Writer) (*env, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load settings", err)
	}

	level := zerolog.WarnLevel
	if o.Verbose {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: out, NoColor: true}).Level(level).With().Timestamp().Logger()

	store, err := gormstore.NewStore(gormstore.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DSN,
		Path:     cfg.DBPath,
		MaxConns: cfg.MaxConns,
		LogLevel: cfg.GormLogLevel(),
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}

	set := definitions.NewSet(store.DB, log, metrics.WithLogger(log)).WithDefaults(metrics.OwnerConfig{
		BatchSize:       cfg.BatchSize,
		BatchTimeout:    cfg.BatchTimeout(),
		DefaultInterval: cfg.DefaultStaleness(),
	})
	if err := set.Load(cfg.DefinitionsPath); err != nil {
		_ = store.Close()
		return nil, WrapExitError(ExitCommandError, "load definitions", err)
	}

	history := gormstore.NewPassRunStore(store)
	return &env{
		cfg:       cfg,
		store:     store,
		set:       set,
		history:   history,
		scheduler: maintenance.NewService(set, history, cfg, log),
	}, nil
}

func (e *env) Close() error {
	return e.store.Close()
}

// runners returns the named owners, or every owner when names is empty.
func (e *env) runners(names []string) ([]metrics.Runner, error) {
	if len(names) == 0 {
		return e.set.Runners(), nil
	}
	runners := make([]metrics.Runner, 0, len(names))
	for _, name := range names {
		r, ok := e.set.Runner(name)
		if !ok {
			return nil, WrapExitError(ExitCommandError, "unknown owner "+name, maintenance.ErrUnknownOwner)
		}
		runners = append(runners, r)
	}
	return runners, nil
}
