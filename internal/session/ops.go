package session

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-migrator/internal/codec"
	"github.com/stanstork/stratum-migrator/internal/models"
)

func (s *Session) sideOf(which Side) *side {
	if which == Destination {
		return &s.dst
	}
	return &s.src
}

// Describe reads the column list and primary key of a source table.
func (s *Session) Describe(ctx context.Context, database, table string) (models.TableDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.src.conn.QueryContext(ctx, describeSQL, database, table)
	if err != nil {
		return models.TableDescriptor{}, errors.Wrapf(err, "describe %s.%s", database, table)
	}
	defer rows.Close()

	var (
		columns []models.Column
		pks     []string
	)
	for rows.Next() {
		var name, colType, key string
		if err := rows.Scan(&name, &colType, &key); err != nil {
			return models.TableDescriptor{}, errors.Wrap(err, "scan column")
		}
		columns = append(columns, models.Column{Name: name, Type: colType})
		if key == "PRI" {
			pks = append(pks, name)
		}
	}
	if err := rows.Err(); err != nil {
		return models.TableDescriptor{}, errors.Wrapf(err, "describe %s.%s", database, table)
	}
	if len(columns) == 0 {
		return models.TableDescriptor{}, errors.Errorf("table %s.%s has no columns", database, table)
	}
	return models.NewTableDescriptor(database, table, columns, pks), nil
}

// CountRows counts td's rows on the chosen side.
func (s *Session) CountRows(ctx context.Context, which Side, td models.TableDescriptor) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if err := s.sideOf(which).conn.QueryRowContext(ctx, countSQL(td)).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count %s rows of %s", which, td.QualifiedName())
	}
	return n, nil
}

// MinKey returns the smallest pagination key on the source, nil for an empty table.
func (s *Session) MinKey(ctx context.Context, td models.TableDescriptor) (any, error) {
	col, ok := td.Column(td.PrimaryKey)
	if !td.UsablePK || !ok {
		return nil, errors.Errorf("%s has no usable key", td.QualifiedName())
	}
	colType := col.Type
	if col.BaseType() == "enum" {
		colType = "varchar"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dest := codec.ScanTarget(colType)
	if err := s.src.conn.QueryRowContext(ctx, minKeySQL(td)).Scan(dest); err != nil {
		return nil, errors.Wrapf(err, "min key of %s", td.QualifiedName())
	}
	return codec.Unwrap(dest, colType), nil
}

// FetchPage reads one page from the source and returns decoded rows.
func (s *Session) FetchPage(ctx context.Context, td models.TableDescriptor, p Page) ([][]any, error) {
	query, args := selectPageSQL(td, p)
	types := td.ColumnTypes()

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.src.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch page of %s", td.QualifiedName())
	}
	defer rows.Close()

	page := make([][]any, 0, p.Limit)
	for rows.Next() {
		dest := codec.ScanTargets(types)
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrapf(err, "scan row of %s", td.QualifiedName())
		}
		page = append(page, codec.UnwrapRow(dest, types))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "fetch page of %s", td.QualifiedName())
	}
	return page, nil
}

// InsertRows writes encoded rows to the destination in one statement.
func (s *Session) InsertRows(ctx context.Context, td models.TableDescriptor, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	query := insertSQL(td, len(rows))
	args := flatten(rows)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.dst.conn.ExecContext(ctx, query, args...)
	return err
}

func (s *Session) InsertRow(ctx context.Context, td models.TableDescriptor, row []any) error {
	query := insertSQL(td, 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.dst.conn.ExecContext(ctx, query, row...)
	return err
}

// Exec runs a statement on the destination.
func (s *Session) Exec(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.dst.conn.ExecContext(ctx, query, args...)
	return err
}

// Begin starts the destination transaction at the given isolation level
// (empty keeps the server default). It survives Reconnect.
func (s *Session) Begin(ctx context.Context, isolation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inTx {
		return errors.New("transaction already open")
	}
	s.isolation = isolation
	if err := s.begin(ctx); err != nil {
		return err
	}
	s.inTx = true
	return nil
}

func (s *Session) begin(ctx context.Context) error {
	if s.isolation != "" {
		if _, err := s.dst.conn.ExecContext(ctx, fmt.Sprintf("SET TRANSACTION ISOLATION LEVEL %s", s.isolation)); err != nil {
			return errors.Wrap(err, "set isolation level")
		}
	}
	if _, err := s.dst.conn.ExecContext(ctx, "START TRANSACTION"); err != nil {
		return errors.Wrap(err, "start transaction")
	}
	return nil
}

func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inTx {
		return errors.New("no open transaction")
	}
	s.inTx = false
	_, err := s.dst.conn.ExecContext(ctx, "COMMIT")
	return errors.Wrap(err, "commit")
}

// Rollback is a no-op without an open transaction.
func (s *Session) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inTx {
		return nil
	}
	s.inTx = false
	_, err := s.dst.conn.ExecContext(ctx, "ROLLBACK")
	return errors.Wrap(err, "rollback")
}

// Use selects database on both sides; an empty name leaves that side alone.
func (s *Session) Use(ctx context.Context, srcDB, dstDB string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pick := range []struct {
		sd *side
		db string
	}{{&s.src, srcDB}, {&s.dst, dstDB}} {
		if pick.db == "" {
			continue
		}
		if _, err := pick.sd.conn.ExecContext(ctx, "USE "+QuoteIdent(pick.db)); err != nil {
			return errors.Wrapf(err, "use %s on %s", pick.db, pick.sd.name)
		}
		pick.sd.database = pick.db
	}
	return nil
}
