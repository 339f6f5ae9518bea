package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marusama/semaphore/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-migrator/internal/config"
	"github.com/stanstork/stratum-migrator/internal/ledger"
	"github.com/stanstork/stratum-migrator/internal/models"
	"github.com/stanstork/stratum-migrator/internal/progress"
	"github.com/stanstork/stratum-migrator/internal/repository"
)

// Migrator migrates one database. *Database implements it.
type Migrator interface {
	Migrate(ctx context.Context, db string) (models.DatabaseResult, error)
}

// Plan is the resolved set of databases for a run.
type Plan struct {
	Migrate []string
	// Drop are destination databases removed before migrating.
	Drop []string
	// Skipped already exist on the destination (--skip-existing-dbs).
	Skipped []string
	// Retrying lists the databases read from a previous run's ledger.
	Retrying []string
}

// Resolve picks the databases to migrate from the source list: migrable
// ones, restricted to failed when a previous run left a ledger, minus those
// present on the destination when skipExisting is set. Destination copies of
// the chosen databases are dropped unless keepExisting or skipExisting.
func Resolve(srcDBs, dstDBs, failed []string, dbs config.DatabasesConfig, skipExisting, keepExisting bool) Plan {
	onDest := set(dstDBs)
	retry := set(failed)

	p := Plan{Retrying: failed}
	for _, db := range srcDBs {
		if !dbs.IsMigrable(db) {
			continue
		}
		if len(failed) > 0 && !retry[db] {
			continue
		}
		if skipExisting && onDest[db] {
			p.Skipped = append(p.Skipped, db)
			continue
		}
		p.Migrate = append(p.Migrate, db)
		if !keepExisting && !skipExisting && onDest[db] {
			p.Drop = append(p.Drop, db)
		}
	}
	return p
}

func set(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, s := range list {
		m[s] = true
	}
	return m
}

// Fleet runs database migrations in a bounded outer pool.
type Fleet struct {
	migrator  Migrator
	source    repository.CatalogRepository
	dest      repository.CatalogRepository
	ledger    ledger.Store
	reporter  progress.Reporter
	logger    zerolog.Logger
	databases config.DatabasesConfig
	run       config.RunConfig
}

func NewFleet(migrator Migrator, source, dest repository.CatalogRepository, store ledger.Store, cfg *config.Config, reporter progress.Reporter, logger zerolog.Logger) *Fleet {
	if reporter == nil {
		reporter = progress.Nop{}
	}
	return &Fleet{
		migrator:  migrator,
		source:    source,
		dest:      dest,
		ledger:    store,
		reporter:  reporter,
		logger:    logger.With().Str("component", "fleet").Logger(),
		databases: cfg.Databases,
		run:       cfg.Run,
	}
}

// Plan lists both servers, consumes the ledger and resolves the run. The
// ledger is cleared so this run records only its own failures.
func (f *Fleet) Plan(ctx context.Context) (Plan, error) {
	srcDBs, err := f.source.ListDatabases(ctx)
	if err != nil {
		return Plan{}, errors.Wrap(err, "list source databases")
	}
	dstDBs, err := f.dest.ListDatabases(ctx)
	if err != nil {
		return Plan{}, errors.Wrap(err, "list destination databases")
	}

	failed, err := f.ledger.List()
	if err != nil {
		return Plan{}, err
	}
	if len(failed) > 0 {
		f.logger.Warn().Strs("failed", failed).Msg("Previous run left failed databases, only those will be migrated")
		if err := f.ledger.Clear(); err != nil {
			return Plan{}, err
		}
	}
	return Resolve(srcDBs, dstDBs, failed, f.databases, f.run.SkipExisting, f.run.KeepExisting), nil
}

// DropExisting removes plan.Drop from the destination.
func (f *Fleet) DropExisting(ctx context.Context, plan Plan) error {
	if len(plan.Drop) == 0 {
		return nil
	}
	bar := f.reporter.Begin(int64(len(plan.Drop)), "databases", "Removing destination databases")
	defer f.reporter.End(bar)

	for _, db := range plan.Drop {
		f.reporter.Advance(bar, 1, fmt.Sprintf("Database [Destination].`%s` is being removed...", db))
		if err := f.dest.DropDatabase(ctx, db); err != nil {
			return errors.Wrapf(err, "drop %s", db)
		}
	}
	f.logger.Info().Int("count", len(plan.Drop)).Msg("Destination databases removed")
	return nil
}

// Run migrates dbs with at most thread_db at a time. A failing database never
// stops its siblings. Databases not started before ctx is cancelled are
// ledgered as cancelled.
func (f *Fleet) Run(ctx context.Context, dbs []string) (bool, []models.DatabaseResult) {
	results := make([]models.DatabaseResult, len(dbs))
	if len(dbs) == 0 {
		return true, results
	}

	sem := semaphore.New(max(f.run.DBThreads, 1))
	bar := f.reporter.Begin(int64(len(dbs)), "databases", "Migrating databases")
	defer f.reporter.End(bar)

	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)
	for i, db := range dbs {
		if err := sem.Acquire(ctx, 1); err != nil {
			failed.Store(true)
			f.notStarted(dbs[i:], results[i:])
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			res, err := f.migrator.Migrate(ctx, db)
			results[i] = res
			if err != nil {
				failed.Store(true)
			}
			f.reporter.Advance(bar, 1, fmt.Sprintf("Database `%s` %s", db, res.Status))
		}()
	}
	wg.Wait()
	return !failed.Load(), results
}

func (f *Fleet) notStarted(dbs []string, results []models.DatabaseResult) {
	now := time.Now()
	for i, db := range dbs {
		results[i] = models.DatabaseResult{
			Database:     db,
			Status:       models.DatabaseStatusCancelled,
			StartedAt:    now,
			CompletedAt:  now,
			ErrorMessage: context.Canceled.Error(),
		}
		if err := f.ledger.Append(db); err != nil {
			f.logger.Error().Err(err).Str("db", db).Msg("Could not record cancelled database")
		}
	}
	f.logger.Warn().Int("count", len(dbs)).Msg("Migration cancelled before every database started")
}
