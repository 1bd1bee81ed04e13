package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/hl7bridge/internal/api"
	"github.com/ehr/hl7bridge/internal/config"
	"github.com/ehr/hl7bridge/internal/conversion"
	"github.com/ehr/hl7bridge/internal/conversion/batch"
	"github.com/ehr/hl7bridge/internal/conversion/resolver"
	"github.com/ehr/hl7bridge/internal/platform/journal"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "hl7bridge",
		Short:         "HL7v2 and FHIR conversion bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(convertCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newLogger writes JSON to out, or console output in development.
func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

// newEngines builds the conversion and batch engines from cfg.
func newEngines(cfg *config.Config, logger zerolog.Logger) (*conversion.Engine, *batch.Engine, error) {
	opts := conversion.Options{
		SendingApplication: cfg.SendingApp,
		SendingFacility:    cfg.SendingFacility,
	}
	if cfg.ResolverCaps != "" {
		caps, err := resolver.ParseCaps(cfg.ResolverCaps)
		if err != nil {
			return nil, nil, fmt.Errorf("RESOLVER_CAPS: %w", err)
		}
		r, err := resolver.New(caps)
		if err != nil {
			return nil, nil, fmt.Errorf("RESOLVER_CAPS: %w", err)
		}
		opts.Resolver = r
	}
	engine := conversion.New(logger, opts)
	return engine, batch.New(engine, cfg.BatchWorkers, logger), nil
}

func journalOptions(cfg *config.Config) journal.Options {
	return journal.Options{
		Driver:      cfg.JournalDriver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		TTL:         cfg.IdempotencyTTL,
	}
}

// cliService builds a Service for one-shot commands. Only a SQL journal is
// worth writing to from a process that exits right after.
func cliService(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*api.Service, func(), error) {
	engine, batchEngine, err := newEngines(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	var store journal.Store
	cleanup := func() {}
	if cfg.JournalDriver != journal.DriverMemory {
		store, err = journal.Open(ctx, journalOptions(cfg))
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { store.Close() }
	}
	return api.NewService(engine, batchEngine, store, logger), cleanup, nil
}
