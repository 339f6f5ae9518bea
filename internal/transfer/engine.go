// Package transfer copies the rows of one table from source to destination,
// adapting the batch size to observed latency.
package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-migrator/internal/codec"
	"github.com/stanstork/stratum-migrator/internal/config"
	"github.com/stanstork/stratum-migrator/internal/dberr"
	"github.com/stanstork/stratum-migrator/internal/models"
	"github.com/stanstork/stratum-migrator/internal/progress"
	"github.com/stanstork/stratum-migrator/internal/session"
)

// Pair is the synchronized statement surface the engine needs.
// *session.Session implements it.
type Pair interface {
	Describe(ctx context.Context, database, table string) (models.TableDescriptor, error)
	CountRows(ctx context.Context, side session.Side, td models.TableDescriptor) (int64, error)
	MinKey(ctx context.Context, td models.TableDescriptor) (any, error)
	FetchPage(ctx context.Context, td models.TableDescriptor, p session.Page) ([][]any, error)
	InsertRows(ctx context.Context, td models.TableDescriptor, rows [][]any) error
	InsertRow(ctx context.Context, td models.TableDescriptor, row []any) error
	Reconnect(ctx context.Context) error
}

type options struct {
	logger   zerolog.Logger
	reporter progress.Reporter
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithProgress(r progress.Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithClock replaces time.Now and the context aware sleep.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.now = now; o.sleep = sleep }
}

type Engine struct {
	pair       Pair
	batchSize  int
	pause      time.Duration
	thresholds Thresholds
	opts       options
}

func New(pair Pair, cfg config.TransferConfig, opts ...Option) *Engine {
	o := options{
		logger:   zerolog.Nop(),
		reporter: progress.Nop{},
		now:      time.Now,
		sleep:    Sleep,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{
		pair:      pair,
		batchSize: cfg.BatchSize,
		pause:     cfg.BatchPause,
		thresholds: Thresholds{
			Slow:        cfg.SlowBatch,
			VerySlow:    cfg.VerySlowBatch,
			MaxCooldown: cfg.MaxCooldown,
		},
		opts: o,
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Transfer copies database.table. It never panics; failures come back in
// Result.Err.
func (e *Engine) Transfer(ctx context.Context, database, table string) (res Result) {
	res = Result{Database: database, Table: table}
	start := e.opts.now()
	defer func() {
		if r := recover(); r != nil {
			res.Err = errors.Errorf("panic while transferring %s.%s: %v", database, table, r)
		}
		res.Duration = e.opts.now().Sub(start)
	}()

	log := e.opts.logger.With().Str("db", database).Str("table", table).Logger()

	td, err := e.pair.Describe(ctx, database, table)
	if err != nil {
		res.Err = dberr.Wrap(err, database, table)
		return res
	}
	res.PKStatus = td.PKLabel()

	total, err := e.pair.CountRows(ctx, session.Source, td)
	if err != nil {
		res.Err = dberr.Wrap(err, database, table)
		return res
	}
	if total == 0 {
		log.Debug().Msg("Empty table")
		return res
	}

	state := NewBatchState(e.batchSize, total, td.HasLargeBlobs())
	if td.UsablePK {
		minKey, err := e.pair.MinKey(ctx, td)
		if err != nil {
			res.Err = dberr.Wrap(err, database, table)
			return res
		}
		if minKey == nil {
			return res
		}
		state.Cursor = session.Page{Key: minKey}
	}

	log.Debug().Int64("rows", total).Str("pk", res.PKStatus).Int("batch_size", state.Size).Msg("Transferring table")

	types := td.ColumnTypes()
	var (
		bar     progress.Handle
		started bool
	)
	defer func() {
		if started {
			e.opts.reporter.End(bar)
		}
	}()

	for state.Transferred < total {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		begin := e.opts.now()
		page := state.Cursor
		page.Limit = state.Size

		rows, err := e.pair.FetchPage(ctx, td, page)
		if err != nil {
			if dberr.IsConnLost(err) {
				if err := e.reconnect(ctx, state, log, bar, started, td); err != nil {
					res.Err = dberr.Wrap(err, database, table)
					return res
				}
				continue
			}
			res.Err = dberr.Wrap(err, database, table)
			return res
		}
		if len(rows) == 0 {
			break
		}
		if !started {
			bar = e.opts.reporter.Begin(total, "rows", fmt.Sprintf("%s reading...", td.QualifiedName()))
			started = true
		}

		next := nextPage(td, state.Cursor, rows)
		encoded := make([][]any, len(rows))
		for i, row := range rows {
			encoded[i] = codec.EncodeRow(row, types)
		}

		err = e.pair.InsertRows(ctx, td, encoded)
		switch kind := dberr.Classify(err); {
		case err == nil:
			if state.RecordSuccess() {
				log.Debug().Int("batch_size", state.Size).Int("blocks", state.Blocks).Msg("Batch boosted")
			}
		case kind == dberr.KindDuplicate || kind == dberr.KindSyntax:
			log.Warn().Err(err).Int("rows", len(encoded)).Msg("Bulk insert rejected, inserting rows one by one")
			e.opts.reporter.Advance(bar, 0, fmt.Sprintf("(throttled) %s performing 1 row batches", td.QualifiedName()))
			res.Fallbacks++
			skipped, ferr := e.insertOneByOne(ctx, td, encoded)
			res.Skipped += skipped
			if ferr != nil {
				res.Err = dberr.Wrap(ferr, database, table)
				return res
			}
		case kind == dberr.KindConnLost:
			if err := e.reconnect(ctx, state, log, bar, started, td); err != nil {
				res.Err = dberr.Wrap(err, database, table)
				return res
			}
			continue
		default:
			res.Err = dberr.Wrap(err, database, table)
			return res
		}

		state.Cursor = next
		state.Transferred += int64(len(rows))
		res.Rows = state.Transferred

		elapsed := e.opts.now().Sub(begin)
		cooldown := e.adapt(state, elapsed, log)
		e.opts.reporter.Advance(bar, int64(len(rows)), progressLabel(td, state, elapsed))

		if cooldown > 0 {
			e.opts.reporter.Advance(bar, 0, fmt.Sprintf("%s going to sleep for %s", td.QualifiedName(), cooldown))
			if err := e.opts.sleep(ctx, cooldown); err != nil {
				res.Err = err
				return res
			}
		}
		if state.Transferred >= total {
			break
		}
		if err := e.opts.sleep(ctx, e.pause); err != nil {
			res.Err = err
			return res
		}
	}

	log.Debug().Int64("rows", res.Rows).Int("fallbacks", res.Fallbacks).Msg("Table transferred")
	return res
}

func (e *Engine) adapt(state *BatchState, elapsed time.Duration, log zerolog.Logger) time.Duration {
	cooldown := state.Adapt(elapsed, e.thresholds)
	if elapsed > e.thresholds.Slow {
		log.Warn().
			Dur("elapsed", elapsed).
			Int("batch_size", state.Size).
			Dur("cooldown", cooldown).
			Msg("Slow batch, throttling")
	}
	return cooldown
}

// reconnect repairs the pair after a lost connection and shrinks the batch; the
// caller then retries the same page.
func (e *Engine) reconnect(ctx context.Context, state *BatchState, log zerolog.Logger, bar progress.Handle, started bool, td models.TableDescriptor) error {
	log.Warn().Int("batch_size", state.Size).Msg("Connection lost, reconnecting")
	if err := e.pair.Reconnect(ctx); err != nil {
		return err
	}
	state.ShrinkOnReconnect()
	if started {
		e.opts.reporter.Advance(bar, 0, fmt.Sprintf("(throttled) %s [%d rows/batch]", td.QualifiedName(), state.Size))
	}
	log.Info().Int("batch_size", state.Size).Msg("Retrying batch after reconnect")
	return nil
}

// insertOneByOne retries a rejected batch row by row. Rows that already exist
// are skipped; any other failure aborts.
func (e *Engine) insertOneByOne(ctx context.Context, td models.TableDescriptor, rows [][]any) (int64, error) {
	var skipped int64
	for _, row := range rows {
		err := e.pair.InsertRow(ctx, td, row)
		if err == nil {
			continue
		}
		if dberr.IsDuplicate(err) {
			skipped++
			continue
		}
		return skipped, errors.Wrap(err, "single row insert")
	}
	return skipped, nil
}

func progressLabel(td models.TableDescriptor, state *BatchState, elapsed time.Duration) string {
	prefix, marker := "", ""
	switch {
	case state.Throttled():
		prefix = "(throttled) "
	case state.Boosted():
		marker = " -boost-"
	}
	return fmt.Sprintf("%s%s [%s] [%d rows/batch%s] [%.2fs last batch]",
		prefix, td.QualifiedName(), td.PKLabel(), state.Size, marker, elapsed.Seconds())
}
