// Command copypatrol-backend runs the CopyPatrol ingestion and
// submission pipeline. Each invocation performs a single action:
//
//	store-changes   ingest the revision-create stream into the database
//	check-changes   extract added text and upload submissions
//	reports         collect similarity reports and file READY diffs
//	db              database maintenance
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/copypatrol/copypatrol-backend/internal/checkdiff"
	"github.com/copypatrol/copypatrol-backend/internal/config"
	"github.com/copypatrol/copypatrol-backend/internal/database"
	"github.com/copypatrol/copypatrol-backend/internal/metrics"
	"github.com/copypatrol/copypatrol-backend/internal/models"
	"github.com/copypatrol/copypatrol-backend/internal/pipeline"
	"github.com/copypatrol/copypatrol-backend/internal/stream"
	"github.com/copypatrol/copypatrol-backend/internal/tca"
	"github.com/copypatrol/copypatrol-backend/internal/wiki"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if err := newRootCmd(logger).Execute(); err != nil {
		logger.Error().Err(err).Msg("action failed")
		os.Exit(1)
	}
}

func newRootCmd(logger zerolog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "copypatrol-backend",
		Short:         "copypatrol backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newStoreChangesCmd(logger),
		newCheckChangesCmd(logger),
		newReportsCmd(logger),
		newDBCmd(logger),
	)
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openStore(cfg *config.Config, logger zerolog.Logger) (*database.Store, error) {
	return database.NewFromConfig(cfg.Database, logger)
}

func newStoreChangesCmd(logger zerolog.Logger) *cobra.Command {
	var since string
	var total int
	var metricsPort int
	cmd := &cobra.Command{
		Use:   "store-changes",
		Short: "store recent changes to be checked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since != "" {
				if _, err := time.Parse(time.RFC3339, since); err != nil {
					if _, err := time.Parse("2006-01-02T15:04:05", since); err != nil {
						return fmt.Errorf("invalid --since %q: %w", since, err)
					}
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signalContext()
			defer stop()

			srv := metrics.NewServer(metricsPort, logger)
			srv.Start()
			defer srv.Stop(context.Background())

			listener := stream.NewListener(cfg, store, since, total, logger)
			if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "resume the stream from this ISO 8601 timestamp")
	cmd.Flags().IntVarP(&total, "total", "n", 0, "maximum number of events to store")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 2112, "port for the /metrics listener")
	return cmd
}

func newCheckChangesCmd(logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "check-changes",
		Short: "check stored changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			driver, store, err := newDriver(ctx, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			return driver.CheckChanges(ctx)
		},
	}
}

func newReportsCmd(logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "reports",
		Short: "check and generate reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			driver, store, err := newDriver(ctx, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			return driver.Reports(ctx)
		},
	}
}

func newDriver(ctx context.Context, logger zerolog.Logger) (*pipeline.Driver, *database.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	wikiClient := wiki.NewClient(logger)
	similarity, err := tca.NewClient(ctx, cfg.TCA, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	checker := checkdiff.NewChecker(wikiClient, logger)
	return pipeline.NewDriver(cfg, store, wikiClient, similarity, checker, logger), store, nil
}

func newDBCmd(logger zerolog.Logger) *cobra.Command {
	var createTables bool
	var removeRevision uint64
	var removeSubmission string
	cmd := &cobra.Command{
		Use:   "db",
		Short: "database maintenance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signalContext()
			defer stop()

			switch {
			case createTables:
				return store.CreateTables(ctx)
			case removeRevision != 0:
				lang, project := models.SplitDomain(cfg.Site)
				return store.RemoveRevision(ctx, project, lang, removeRevision)
			case removeSubmission != "":
				sid, err := uuid.Parse(removeSubmission)
				if err != nil {
					return fmt.Errorf("invalid submission id %q: %w", removeSubmission, err)
				}
				return store.RemoveSubmission(ctx, sid)
			default:
				return fmt.Errorf("one of --create-tables, --remove-revision or --remove-submission is required")
			}
		},
	}
	cmd.Flags().BoolVar(&createTables, "create-tables", false, "create the database tables")
	cmd.Flags().Uint64Var(&removeRevision, "remove-revision", 0, "remove revision from the database")
	cmd.Flags().StringVar(&removeSubmission, "remove-submission", "", "remove submission from the database")
	cmd.MarkFlagsMutuallyExclusive("create-tables", "remove-revision", "remove-submission")
	cmd.MarkFlagsOneRequired("create-tables", "remove-revision", "remove-submission")
	return cmd
}
