package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-migrator/internal/config"
	"github.com/stanstork/stratum-migrator/internal/progress"
	"github.com/stanstork/stratum-migrator/internal/repository"
	"github.com/stanstork/stratum-migrator/internal/transfer"
)

const (
	grantsDatabase = "mysql"
	grantsTable    = "user"
	// VersionMismatchWait gives the operator time to cancel a grants copy
	// between different server versions.
	VersionMismatchWait = 10 * time.Second
)

// Countdown shows a one-tick-per-second bar for d and returns early with
// ctx's error when cancelled.
func Countdown(ctx context.Context, r progress.Reporter, d time.Duration, label string) error {
	return countdown(ctx, r, d, label, transfer.Sleep)
}

func countdown(ctx context.Context, r progress.Reporter, d time.Duration, label string, sleep func(context.Context, time.Duration) error) error {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return ctx.Err()
	}
	bar := r.Begin(secs, "s", label)
	defer r.End(bar)
	for i := int64(0); i < secs; i++ {
		if err := sleep(ctx, time.Second); err != nil {
			return err
		}
		r.Advance(bar, 1, "")
	}
	return nil
}

// Grants copies mysql.user through the table engine inside one transaction.
type Grants struct {
	open     Opener
	source   repository.CatalogRepository
	dest     repository.CatalogRepository
	transfer config.TransferConfig
	reporter progress.Reporter
	logger   zerolog.Logger
	wait     time.Duration
	sleep    func(context.Context, time.Duration) error
}

func NewGrants(open Opener, source, dest repository.CatalogRepository, cfg *config.Config, reporter progress.Reporter, logger zerolog.Logger) *Grants {
	if reporter == nil {
		reporter = progress.Nop{}
	}
	wait := VersionMismatchWait
	if cfg.Run.NoWait {
		wait = 0
	}
	return &Grants{
		open:     open,
		source:   source,
		dest:     dest,
		transfer: cfg.Transfer,
		reporter: reporter,
		logger:   logger.With().Str("component", "grants").Logger(),
		wait:     wait,
		sleep:    transfer.Sleep,
	}
}

func (g *Grants) Migrate(ctx context.Context) error {
	srcVersion, err := g.source.ServerVersion(ctx)
	if err != nil {
		return errors.Wrap(err, "source version")
	}
	dstVersion, err := g.dest.ServerVersion(ctx)
	if err != nil {
		return errors.Wrap(err, "destination version")
	}
	if srcVersion != dstVersion {
		g.logger.Warn().Str("source", srcVersion).Str("destination", dstVersion).
			Msg("Migrating users between different database versions may result in an inaccessible target environment")
		g.logger.Warn().Msg("Please cancel the process if you are unsure and restart it without the --migrate-grants flag!")
		label := fmt.Sprintf("Waiting %d seconds in case you want to cancel (ctrl+c) the process", int(g.wait/time.Second))
		if err := countdown(ctx, g.reporter, g.wait, label, g.sleep); err != nil {
			return err
		}
	}

	s, err := g.open(ctx, grantsDatabase, grantsDatabase, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Begin(ctx, ""); err != nil {
		return err
	}
	engine := transfer.New(s, g.transfer, transfer.WithLogger(g.logger), transfer.WithProgress(g.reporter))
	r := engine.Transfer(ctx, grantsDatabase, grantsTable)
	if !r.OK() {
		if rerr := s.Rollback(context.WithoutCancel(ctx)); rerr != nil {
			g.logger.Error().Err(rerr).Msg("Rollback failed")
		}
		return errors.Wrap(r.Err, "error migrating grants")
	}
	if err := s.Commit(ctx); err != nil {
		return err
	}
	g.logger.Info().Int64("rows", r.Rows).Int64("skipped", r.Skipped).Msg("Grants migrated")
	return nil
}
