package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stanstork/stratum-migrator/internal/config"
	"github.com/stanstork/stratum-migrator/internal/ledger"
	"github.com/stanstork/stratum-migrator/internal/logging"
	"github.com/stanstork/stratum-migrator/internal/models"
	"github.com/stanstork/stratum-migrator/internal/orchestrator"
	"github.com/stanstork/stratum-migrator/internal/progress"
	"github.com/stanstork/stratum-migrator/internal/repository"
	"github.com/stanstork/stratum-migrator/internal/verify"

	_ "github.com/go-sql-driver/mysql"
)

const startDelay = 3 * time.Second

type application struct {
	config   *config.Config
	logger   zerolog.Logger
	reporter progress.Reporter
	source   repository.CatalogRepository
	dest     repository.CatalogRepository
	ledger   *ledger.FileStore
	open     orchestrator.Opener
}

// run returns an error only for configuration and initial connection
// failures; migration and verification outcomes are logged.
func run(ctx context.Context, v *viper.Viper, f flags) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.LogLevel).With().Str("run_id", uuid.NewString()).Logger()
	if err := logging.Install(logger); err != nil {
		logger.Warn().Err(err).Msg("Could not route driver logs")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		select {
		case <-quit:
			logger.Warn().Msg("Shutdown signal received, stopping after in-flight statements")
			cancel()
		case <-ctx.Done():
		}
	}()

	var reporter progress.Reporter = progress.NewBars(os.Stderr)
	if f.noProgress {
		reporter = progress.Nop{}
	}

	srcDB, err := openServer(ctx, cfg.Source)
	if err != nil {
		logger.Error().Err(err).Str("host", cfg.Source.Address()).Msg("Failed to connect to the source server")
		return errors.Wrap(err, "source connection")
	}
	defer srcDB.Close()
	dstDB, err := openServer(ctx, cfg.Destination)
	if err != nil {
		logger.Error().Err(err).Str("host", cfg.Destination.Address()).Msg("Failed to connect to the destination server")
		return errors.Wrap(err, "destination connection")
	}
	defer dstDB.Close()

	app := &application{
		config:   cfg,
		logger:   logger,
		reporter: reporter,
		source:   repository.NewCatalogRepository(srcDB),
		dest:     repository.NewCatalogRepository(dstDB),
		ledger:   ledger.NewFileStore(cfg.LedgerPath),
		open:     orchestrator.SessionOpener(cfg, logger),
	}

	start := time.Now()
	var processed []string
	if !cfg.Run.CheckOnly {
		var results []models.DatabaseResult
		processed, results = app.migrate(ctx)
		if f.summaryFile != "" {
			if err := writeSummary(f.summaryFile, start, results); err != nil {
				logger.Error().Err(err).Str("file", f.summaryFile).Msg("Could not write summary")
			}
		}
	}

	if ctx.Err() != nil {
		logger.Warn().Msg("Run cancelled, verification skipped")
	} else {
		app.verify(ctx, processed)
	}
	logger.Info().Str("elapsed", models.FormatElapsed(time.Since(start))).Msg("Process finished")
	return nil
}

func openServer(ctx context.Context, s config.ServerConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", s.DSN(""))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// migrate plans, drops, migrates and optionally copies grants. It returns the
// databases it processed.
func (a *application) migrate(ctx context.Context) ([]string, []models.DatabaseResult) {
	cfg := a.config
	database := orchestrator.NewDatabase(a.open, a.source, a.dest, a.ledger, cfg,
		orchestrator.WithLogger(a.logger),
		orchestrator.WithReporter(a.reporter),
	)
	fleet := orchestrator.NewFleet(database, a.source, a.dest, a.ledger, cfg, a.reporter, a.logger)

	plan, err := fleet.Plan(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Could not resolve databases to migrate")
		return nil, nil
	}
	a.inspect(ctx, plan)

	if len(plan.Drop) > 0 {
		if err := a.wait(ctx, "Waiting before removing destination databases, ctrl+c to cancel"); err != nil {
			return nil, nil
		}
		if err := fleet.DropExisting(ctx, plan); err != nil {
			a.logger.Error().Err(err).Msg("Could not remove destination databases")
			return nil, nil
		}
	}

	var results []models.DatabaseResult
	if len(plan.Migrate) == 0 {
		a.logger.Info().Msg("Nothing to migrate")
	} else {
		if err := a.wait(ctx, "Starting migration, ctrl+c to cancel"); err != nil {
			return nil, nil
		}
		var ok bool
		ok, results = fleet.Run(ctx, plan.Migrate)
		if !ok {
			a.logger.Warn().Msg("Some databases failed to migrate")
		}
	}

	if cfg.Run.MigrateGrants {
		a.grants(ctx)
	}
	return plan.Migrate, results
}

func (a *application) grants(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	g := orchestrator.NewGrants(a.open, a.source, a.dest, a.config, a.reporter, a.logger)
	if err := g.Migrate(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Error migrating grants")
	}
}

func (a *application) wait(ctx context.Context, label string) error {
	if a.config.Run.NoWait {
		return ctx.Err()
	}
	return orchestrator.Countdown(ctx, a.reporter, startDelay, label)
}

// inspect logs what the run is about to do.
func (a *application) inspect(ctx context.Context, plan orchestrator.Plan) {
	cfg := a.config
	tables := 0
	for _, db := range plan.Migrate {
		t, err := a.source.ListBaseTables(ctx, db)
		if err != nil {
			a.logger.Warn().Err(err).Str("db", db).Msg("Could not list tables")
			continue
		}
		tables += len(t)
	}

	srcVersion, _ := a.source.ServerVersion(ctx)
	dstVersion, _ := a.dest.ServerVersion(ctx)

	a.logger.Info().
		Str("direction", cfg.Source.Address()+" -> "+cfg.Destination.Address()).
		Str("source_version", srcVersion).
		Str("destination_version", dstVersion).
		Msg("Migration direction")
	a.logger.Info().
		Strs("migrate", plan.Migrate).
		Strs("skip", plan.Skipped).
		Strs("drop", plan.Drop).
		Int("tables", tables).
		Msgf("%d databases to migrate", len(plan.Migrate))
	a.logger.Info().
		Int("thread_db", cfg.Run.DBThreads).
		Int("thread_table", cfg.Run.TableThreads).
		Int("batch_size", cfg.Transfer.BatchSize).
		Bool("skip_existing_dbs", cfg.Run.SkipExisting).
		Bool("keep_existing_dbs", cfg.Run.KeepExisting).
		Bool("migrate_grants", cfg.Run.MigrateGrants).
		Msg("Settings")
}

func (a *application) verify(ctx context.Context, processed []string) {
	checker := verify.NewChecker(a.source, a.dest, a.config.Databases, a.ledger, a.reporter, a.logger)
	report, err := checker.Run(ctx, processed)
	if err != nil {
		a.logger.Error().Err(err).Msg("Verification failed to run")
		return
	}
	report.Log(a.logger)

	if a.ledger.Exists() {
		failed, _ := a.ledger.List()
		a.logger.Warn().Msg("Some databases failed to migrate. Running the same process again only retries failed databases.")
		a.logger.Warn().Str("ledger", a.ledger.Path()).Msg("Remove the ledger file to run the complete process")
		a.logger.Warn().Strs("failed", failed).Msg("Migration check will fail")
	}
}

type summary struct {
	StartTime    time.Time               `json:"start_time"`
	EndTime      time.Time               `json:"end_time"`
	DurationSecs float64                 `json:"duration_secs"`
	TotalDBs     int                     `json:"total_dbs"`
	SucceededDBs int                     `json:"succeeded_dbs"`
	FailedDBs    int                     `json:"failed_dbs"`
	Results      []models.DatabaseResult `json:"results"`
}

func writeSummary(path string, start time.Time, results []models.DatabaseResult) error {
	end := time.Now()
	s := summary{
		StartTime:    start,
		EndTime:      end,
		DurationSecs: end.Sub(start).Seconds(),
		TotalDBs:     len(results),
		Results:      results,
	}
	for _, r := range results {
		if r.Status == models.DatabaseStatusSucceeded {
			s.SucceededDBs++
		} else {
			s.FailedDBs++
		}
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
