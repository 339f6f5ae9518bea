package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-migrator/internal/config"
	"github.com/stanstork/stratum-migrator/internal/ledger"
	"github.com/stanstork/stratum-migrator/internal/progress"
	"github.com/stanstork/stratum-migrator/internal/repository"
)

// Checker builds row count maps for both servers and compares them.
type Checker struct {
	source    repository.CatalogRepository
	dest      repository.CatalogRepository
	databases config.DatabasesConfig
	ledger    ledger.Store
	reporter  progress.Reporter
	logger    zerolog.Logger
}

func NewChecker(source, dest repository.CatalogRepository, databases config.DatabasesConfig, store ledger.Store, reporter progress.Reporter, logger zerolog.Logger) *Checker {
	return &Checker{
		source:    source,
		dest:      dest,
		databases: databases,
		ledger:    store,
		reporter:  reporter,
		logger:    logger.With().Str("component", "verify").Logger(),
	}
}

// Run verifies processed, or every migrable database when processed is empty.
func (c *Checker) Run(ctx context.Context, processed []string) (Report, error) {
	srcDBs, err := c.scope(ctx, c.source, processed)
	if err != nil {
		return Report{}, errors.Wrap(err, "list source databases")
	}
	dstDBs, err := c.scope(ctx, c.dest, processed)
	if err != nil {
		return Report{}, errors.Wrap(err, "list destination databases")
	}

	failed, err := c.ledger.List()
	if err != nil {
		return Report{}, err
	}
	c.logger.Debug().Strs("source", srcDBs).Strs("destination", dstDBs).Msg("Checking row counts")

	bar := c.reporter.Begin(int64(len(srcDBs)+len(dstDBs)), "databases", "Checking row counts")
	defer c.reporter.End(bar)

	src, err := c.count(ctx, c.source, "Source", srcDBs, bar)
	if err != nil {
		return Report{}, err
	}
	dst, err := c.count(ctx, c.dest, "Destination", dstDBs, bar)
	if err != nil {
		return Report{}, err
	}
	return Compare(src, dst, srcDBs, dstDBs, failed), nil
}

func (c *Checker) scope(ctx context.Context, catalog repository.CatalogRepository, processed []string) ([]string, error) {
	all, err := catalog.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	if len(processed) > 0 {
		present := make(map[string]bool, len(all))
		for _, db := range all {
			present[db] = true
		}
		for _, db := range processed {
			if present[db] {
				out = append(out, db)
			}
		}
		return out, nil
	}
	for _, db := range all {
		if c.databases.IsMigrable(db) {
			out = append(out, db)
		}
	}
	return out, nil
}

func (c *Checker) count(ctx context.Context, catalog repository.CatalogRepository, label string, dbs []string, bar progress.Handle) (RowCounts, error) {
	counts := RowCounts{}
	for _, db := range dbs {
		c.reporter.Advance(bar, 1, fmt.Sprintf("Checking [%s].`%s`", label, db))
		tables, err := catalog.ListBaseTables(ctx, db)
		if err != nil {
			return nil, errors.Wrapf(err, "checking rows in %s database %s", strings.ToLower(label), db)
		}
		for _, t := range tables {
			n, err := catalog.CountTableRows(ctx, db, t)
			if err != nil {
				return nil, errors.Wrapf(err, "checking rows in %s database %s", strings.ToLower(label), db)
			}
			counts[Key(db, t)] = n
		}
	}
	return counts, nil
}

// Log writes the report the way operators read it after a run.
func (r Report) Log(logger zerolog.Logger) {
	switch r.Status {
	case StatusNoData:
		logger.Warn().Msg("No data was migrated.")
		return
	case StatusSuccess:
		logger.Info().Int64("rows", r.Rows).Msgf("Check OK! Migration of %d rows was successfully completed.", r.Rows)
		return
	case StatusSuccessWithKnownFailures:
		logger.Warn().Int64("rows", r.Rows).Strs("failed", r.Failed).Msgf("Check OK of %d rows but some databases failed: %s", r.Rows, strings.Join(r.Failed, ", "))
		return
	}

	logger.Error().Msg("Check KO! Some databases or tables did not migrate correctly.")
	if len(r.Failed) > 0 {
		logger.Error().Strs("failed", r.Failed).Msgf("Failed databases: %s.", strings.Join(r.Failed, ", "))
	}
	for _, db := range r.OnlySource {
		logger.Error().Str("db", db).Msg("Database only in source server")
	}
	for _, db := range r.OnlyDestination {
		logger.Error().Str("db", db).Msg("Database only in destination server")
	}
	for _, m := range r.Mismatches {
		ev := logger.Error().Str("table", m.Table)
		switch {
		case m.Destination < 0:
			ev.Int64("source", m.Source).Msg("Table missing on destination")
		case m.Source < 0:
			ev.Int64("destination", m.Destination).Msg("Table only on destination")
		default:
			ev.Int64("source", m.Source).Int64("destination", m.Destination).
				Msgf("Tables with a different number of rows: %s => %d | %d", m.Table, m.Source, m.Destination)
		}
	}
}
