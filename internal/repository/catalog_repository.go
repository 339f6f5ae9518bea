package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-migrator/internal/dberr"
	"github.com/stanstork/stratum-migrator/internal/session"
)

// SchemaObject is one CREATE statement read from the source.
type SchemaObject struct {
	Name      string
	Statement string
}

// Schema holds the creation statements of a database in replay order.
type Schema struct {
	Tables     []SchemaObject
	Views      []SchemaObject
	Triggers   []SchemaObject
	Procedures []SchemaObject
	Functions  []SchemaObject
}

// Routines are the objects created after the data load.
func (s Schema) Routines() []SchemaObject {
	out := make([]SchemaObject, 0, len(s.Views)+len(s.Triggers)+len(s.Procedures)+len(s.Functions))
	out = append(out, s.Views...)
	out = append(out, s.Triggers...)
	out = append(out, s.Procedures...)
	return append(out, s.Functions...)
}

// CatalogRepository reads server metadata from one side of the migration.
type CatalogRepository interface {
	ListDatabases(ctx context.Context) ([]string, error)
	// ListBaseTables returns tables ordered so referenced tables come first.
	ListBaseTables(ctx context.Context, database string) ([]string, error)
	// GetSchema reads CREATE statements for tables (only those named) and all
	// views, triggers, procedures and functions of database.
	GetSchema(ctx context.Context, database string, tables []string) (Schema, error)
	CountTableRows(ctx context.Context, database, table string) (int64, error)
	DropDatabase(ctx context.Context, database string) error
	ServerVersion(ctx context.Context) (string, error)
}

type catalogRepository struct {
	db *sql.DB
}

func NewCatalogRepository(db *sql.DB) CatalogRepository {
	return &catalogRepository{db: db}
}

func (r *catalogRepository) ListDatabases(ctx context.Context) ([]string, error) {
	return r.strings(ctx, "SHOW DATABASES")
}

func (r *catalogRepository) ListBaseTables(ctx context.Context, database string) ([]string, error) {
	tables, err := r.strings(ctx, "SELECT TABLE_NAME FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME", database)
	if err != nil {
		return nil, errors.Wrapf(err, "list tables of %s", database)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT TABLE_NAME, REFERENCED_TABLE_NAME
FROM information_schema.KEY_COLUMN_USAGE
WHERE TABLE_SCHEMA = ? AND REFERENCED_TABLE_SCHEMA = ? AND REFERENCED_TABLE_NAME IS NOT NULL`, database, database)
	if err != nil {
		return nil, errors.Wrapf(err, "list foreign keys of %s", database)
	}
	defer rows.Close()

	deps := map[string][]string{}
	for rows.Next() {
		var table, referenced string
		if err := rows.Scan(&table, &referenced); err != nil {
			return nil, err
		}
		deps[table] = append(deps[table], referenced)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return OrderByDependencies(tables, deps), nil
}

func (r *catalogRepository) GetSchema(ctx context.Context, database string, tables []string) (Schema, error) {
	var schema Schema
	q := session.QuoteIdent(database)

	for _, t := range tables {
		stmt, err := r.showCreate(ctx, fmt.Sprintf("SHOW CREATE TABLE %s.%s", q, session.QuoteIdent(t)), "Create Table")
		if err != nil {
			return Schema{}, errors.Wrapf(err, "show create table %s.%s", database, t)
		}
		schema.Tables = append(schema.Tables, SchemaObject{Name: t, Statement: stmt})
	}

	kinds := []struct {
		target *[]SchemaObject
		list   string
		show   string
		column string
	}{
		{&schema.Views, "SELECT TABLE_NAME FROM information_schema.VIEWS WHERE TABLE_SCHEMA = ? ORDER BY TABLE_NAME", "SHOW CREATE VIEW", "Create View"},
		{&schema.Triggers, "SELECT TRIGGER_NAME FROM information_schema.TRIGGERS WHERE TRIGGER_SCHEMA = ? ORDER BY ACTION_ORDER, TRIGGER_NAME", "SHOW CREATE TRIGGER", "SQL Original Statement"},
		{&schema.Procedures, "SELECT ROUTINE_NAME FROM information_schema.ROUTINES WHERE ROUTINE_SCHEMA = ? AND ROUTINE_TYPE = 'PROCEDURE' ORDER BY ROUTINE_NAME", "SHOW CREATE PROCEDURE", "Create Procedure"},
		{&schema.Functions, "SELECT ROUTINE_NAME FROM information_schema.ROUTINES WHERE ROUTINE_SCHEMA = ? AND ROUTINE_TYPE = 'FUNCTION' ORDER BY ROUTINE_NAME", "SHOW CREATE FUNCTION", "Create Function"},
	}
	for _, k := range kinds {
		names, err := r.strings(ctx, k.list, database)
		if err != nil {
			return Schema{}, errors.Wrapf(err, "list objects of %s", database)
		}
		for _, name := range names {
			stmt, err := r.showCreate(ctx, fmt.Sprintf("%s %s.%s", k.show, q, session.QuoteIdent(name)), k.column)
			if err != nil {
				return Schema{}, errors.Wrapf(err, "%s %s.%s", k.show, database, name)
			}
			*k.target = append(*k.target, SchemaObject{Name: name, Statement: stmt})
		}
	}
	return schema, nil
}

func (r *catalogRepository) CountTableRows(ctx context.Context, database, table string) (int64, error) {
	var n int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", session.QuoteIdent(database), session.QuoteIdent(table))
	if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count rows of %s.%s", database, table)
	}
	return n, nil
}

// DropDatabase removes database; a database that does not exist is not an error.
func (r *catalogRepository) DropDatabase(ctx context.Context, database string) error {
	_, err := r.db.ExecContext(ctx, "DROP DATABASE "+session.QuoteIdent(database))
	if err != nil && !dberr.IsDropMissing(err) {
		return errors.Wrapf(err, "drop database %s", database)
	}
	return nil
}

func (r *catalogRepository) ServerVersion(ctx context.Context) (string, error) {
	var v string
	if err := r.db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&v); err != nil {
		return "", errors.Wrap(err, "server version")
	}
	return v, nil
}

func (r *catalogRepository) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// showCreate runs a SHOW CREATE statement and returns the named column.
// The result shape differs between object kinds and server versions.
func (r *catalogRepository) showCreate(ctx context.Context, query, column string) (string, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}
	idx := columnIndex(cols, column)
	if idx < 0 {
		return "", errors.Errorf("column %q missing from %s", column, query)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", err
		}
		return "", sql.ErrNoRows
	}
	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return "", err
	}
	if !values[idx].Valid {
		return "", errors.Errorf("no definition returned by %s (missing privileges?)", query)
	}
	return values[idx].String, nil
}
