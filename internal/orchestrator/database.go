// Package orchestrator runs the per-database pipeline (schema, data, routines)
// and the fleet of database tasks around it.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-migrator/internal/config"
	"github.com/stanstork/stratum-migrator/internal/dberr"
	"github.com/stanstork/stratum-migrator/internal/ledger"
	"github.com/stanstork/stratum-migrator/internal/models"
	"github.com/stanstork/stratum-migrator/internal/progress"
	"github.com/stanstork/stratum-migrator/internal/repository"
	"github.com/stanstork/stratum-migrator/internal/session"
	"github.com/stanstork/stratum-migrator/internal/transfer"
	"golang.org/x/sync/errgroup"
)

// Session is the connection pair as the orchestrator drives it.
type Session interface {
	transfer.Pair
	Exec(ctx context.Context, query string, args ...any) error
	Begin(ctx context.Context, isolation string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Use(ctx context.Context, srcDB, dstDB string) error
	Close() error
}

// Opener opens a session with srcDB/dstDB selected (empty leaves a side unselected).
type Opener func(ctx context.Context, srcDB, dstDB string, sessionVars bool) (Session, error)

// SessionOpener opens real sessions from cfg.
func SessionOpener(cfg *config.Config, logger zerolog.Logger) Opener {
	return func(ctx context.Context, srcDB, dstDB string, sessionVars bool) (Session, error) {
		s, err := session.Open(ctx, cfg, srcDB, dstDB, session.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if sessionVars {
			s.ConfigureSession(ctx)
		}
		return s, nil
	}
}

const dataIsolation = "READ UNCOMMITTED"

// Database migrates one database at a time: schema, data, then routines.
type Database struct {
	open         Opener
	source       repository.CatalogRepository
	dest         repository.CatalogRepository
	ledger       ledger.Store
	reporter     progress.Reporter
	logger       zerolog.Logger
	transfer     config.TransferConfig
	tableThreads int
	engineOpts   []transfer.Option
	now          func() time.Time
}

type DatabaseOption func(*Database)

func WithReporter(r progress.Reporter) DatabaseOption {
	return func(d *Database) { d.reporter = r }
}

func WithLogger(l zerolog.Logger) DatabaseOption {
	return func(d *Database) { d.logger = l }
}

// WithEngineOptions is passed through to every table engine.
func WithEngineOptions(opts ...transfer.Option) DatabaseOption {
	return func(d *Database) { d.engineOpts = append(d.engineOpts, opts...) }
}

func NewDatabase(open Opener, source, dest repository.CatalogRepository, store ledger.Store, cfg *config.Config, opts ...DatabaseOption) *Database {
	d := &Database{
		open:         open,
		source:       source,
		dest:         dest,
		ledger:       store,
		reporter:     progress.Nop{},
		logger:       zerolog.Nop(),
		transfer:     cfg.Transfer,
		tableThreads: max(cfg.Run.TableThreads, 1),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Migrate runs the whole pipeline for db. On failure db is written to the
// ledger, dropped on the destination and the error is returned wrapped with
// its name.
func (d *Database) Migrate(ctx context.Context, db string) (models.DatabaseResult, error) {
	res := models.DatabaseResult{Database: db, StartedAt: d.now()}
	log := d.logger.With().Str("db", db).Logger()

	err := d.migrate(ctx, db, &res, log)
	res.CompletedAt = d.now()
	if err == nil {
		res.Status = models.DatabaseStatusSucceeded
		log.Info().Int64("rows", res.Rows()).Str("elapsed", models.FormatElapsed(res.Duration())).Msg("Database migrated")
		return res, nil
	}

	res.Status = models.DatabaseStatusFailed
	if ctx.Err() != nil {
		res.Status = models.DatabaseStatusCancelled
	}
	res.ErrorMessage = err.Error()
	log.Error().Err(err).Msgf("Error found during migration of database `%s`", db)

	if lerr := d.ledger.Append(db); lerr != nil {
		log.Error().Err(lerr).Msg("Could not record failed database")
	}
	// cleanup must run even when the run was cancelled
	if derr := d.dest.DropDatabase(context.WithoutCancel(ctx), db); derr != nil {
		log.Error().Err(derr).Msg("Could not remove failed database from destination")
	}
	return res, errors.Wrapf(err, "migrate database %s", db)
}

func (d *Database) migrate(ctx context.Context, db string, res *models.DatabaseResult, log zerolog.Logger) error {
	tables, err := d.source.ListBaseTables(ctx, db)
	if err != nil {
		return err
	}
	schema, err := d.source.GetSchema(ctx, db, tables)
	if err != nil {
		return errors.Wrap(err, "read schema")
	}

	if err := d.createSchema(ctx, db, schema, log); err != nil {
		return errors.Wrap(err, "schema creation")
	}
	stats, err := d.migrateData(ctx, db, tables, log)
	res.Tables = stats
	if err != nil {
		return err
	}
	return errors.Wrap(d.createRoutines(ctx, db, schema, log), "routines creation")
}

func keyChecks(enabled bool) []string {
	v := 0
	if enabled {
		v = 1
	}
	return []string{
		fmt.Sprintf("SET UNIQUE_CHECKS = %d", v),
		fmt.Sprintf("SET FOREIGN_KEY_CHECKS = %d", v),
	}
}

func execAll(ctx context.Context, s Session, statements []string) error {
	for _, q := range statements {
		if err := s.Exec(ctx, q); err != nil {
			return errors.Wrapf(err, "exec %q", q)
		}
	}
	return nil
}

func (d *Database) createSchema(ctx context.Context, db string, schema repository.Schema, log zerolog.Logger) error {
	s, err := d.open(ctx, db, "", false)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := execAll(ctx, s, keyChecks(false)); err != nil {
		return err
	}
	if err := s.Exec(ctx, "CREATE DATABASE "+session.QuoteIdent(db)); err != nil && !dberr.IsAlreadyExists(err) {
		return errors.Wrap(err, "create database")
	}
	if err := s.Use(ctx, "", db); err != nil {
		return err
	}
	for _, t := range schema.Tables {
		if err := s.Exec(ctx, t.Statement); err != nil {
			if dberr.IsAlreadyExists(err) {
				log.Debug().Str("table", t.Name).Msg("Table already exists")
				continue
			}
			return errors.Wrapf(err, "create table %s", t.Name)
		}
	}
	return execAll(ctx, s, keyChecks(true))
}

func (d *Database) migrateData(ctx context.Context, db string, tables []string, log zerolog.Logger) ([]models.TableStat, error) {
	if len(tables) == 0 {
		return nil, nil
	}

	s, err := d.open(ctx, db, db, true)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := execAll(ctx, s, keyChecks(false)); err != nil {
		return nil, err
	}
	for _, t := range tables {
		if err := s.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DISABLE KEYS", session.QuoteIdent(t))); err != nil {
			return nil, errors.Wrapf(err, "disable keys on %s", t)
		}
	}
	if err := s.Begin(ctx, dataIsolation); err != nil {
		return nil, err
	}

	engineOpts := append([]transfer.Option{
		transfer.WithLogger(d.logger),
		transfer.WithProgress(d.reporter),
	}, d.engineOpts...)
	engine := transfer.New(s, d.transfer, engineOpts...)

	var (
		mu    sync.Mutex
		stats []models.TableStat
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.tableThreads)
	for _, table := range tables {
		// stop scheduling once a sibling failed
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r := engine.Transfer(gctx, db, table)
			if !r.OK() {
				return errors.Wrapf(r.Err, "failed to migrate table `%s`", table)
			}
			mu.Lock()
			stats = append(stats, r.Stat())
			mu.Unlock()
			log.Debug().Str("table", table).Int64("rows", r.Rows).Int("fallbacks", r.Fallbacks).Msg("Table migrated")
			return nil
		})
	}

	err = g.Wait()
	if err == nil {
		// a reconnect during any transfer discards rows of tables that
		// finished earlier, so every table is counted once all are done
		err = d.allTablesMatch(ctx, s, db, tables)
	}
	if err != nil {
		if rerr := s.Rollback(context.WithoutCancel(ctx)); rerr != nil {
			log.Error().Err(rerr).Msg("Rollback failed")
		}
		return stats, err
	}
	if err := s.Commit(ctx); err != nil {
		return stats, err
	}

	for _, t := range tables {
		if err := s.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ENABLE KEYS", session.QuoteIdent(t))); err != nil {
			return stats, errors.Wrapf(err, "enable keys on %s", t)
		}
	}
	return stats, execAll(ctx, s, keyChecks(true))
}

func (d *Database) allTablesMatch(ctx context.Context, s Session, db string, tables []string) error {
	for _, t := range tables {
		if err := d.tableMatches(ctx, s, db, t); err != nil {
			return err
		}
	}
	return nil
}

// tableMatches compares the source and destination counts of one table
// inside the open transaction.
func (d *Database) tableMatches(ctx context.Context, s Session, db, table string) error {
	td, err := s.Describe(ctx, db, table)
	if err != nil {
		return errors.Wrapf(err, "describe %s", table)
	}
	src, err := s.CountRows(ctx, session.Source, td)
	if err != nil {
		return errors.Wrapf(err, "count source rows of %s", table)
	}
	dst, err := s.CountRows(ctx, session.Destination, td)
	if err != nil {
		return errors.Wrapf(err, "count destination rows of %s", table)
	}
	if src != dst {
		return errors.Errorf("table `%s` row count mismatch: source %d, destination %d", table, src, dst)
	}
	return nil
}

// createRoutines creates views, triggers, procedures and functions once the
// data is in. Views referencing other views are retried until a pass makes no
// progress.
func (d *Database) createRoutines(ctx context.Context, db string, schema repository.Schema, log zerolog.Logger) error {
	if len(schema.Routines()) == 0 {
		return nil
	}

	s, err := d.open(ctx, db, db, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := execAll(ctx, s, keyChecks(false)); err != nil {
		return err
	}

	pending := schema.Views
	for len(pending) > 0 {
		var failed []repository.SchemaObject
		var lastErr error
		for _, v := range pending {
			err := s.Exec(ctx, v.Statement)
			switch {
			case err == nil, dberr.IsAlreadyExists(err):
			case dberr.IsConnLost(err):
				return errors.Wrapf(err, "create view %s", v.Name)
			default:
				failed = append(failed, v)
				lastErr = errors.Wrapf(err, "create view %s", v.Name)
			}
		}
		if len(failed) == len(pending) {
			return lastErr
		}
		pending = failed
	}

	others := append(append(append([]repository.SchemaObject{}, schema.Triggers...), schema.Procedures...), schema.Functions...)
	for _, o := range others {
		if err := s.Exec(ctx, o.Statement); err != nil {
			if dberr.IsAlreadyExists(err) {
				log.Debug().Str("object", o.Name).Msg("Routine already exists")
				continue
			}
			return errors.Wrapf(err, "create %s", o.Name)
		}
	}
	return execAll(ctx, s, keyChecks(true))
}
