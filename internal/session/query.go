package session

import (
	"fmt"
	"strings"

	"github.com/stanstork/stratum-migrator/internal/models"
)

// Side selects one end of the pair.
type Side int

const (
	Source Side = iota
	Destination
)

func (s Side) String() string {
	if s == Destination {
		return "destination"
	}
	return "source"
}

// Page describes one SELECT against the source. Keyed pages use Key; the
// others use Offset.
type Page struct {
	Key any
	// After makes the key bound exclusive.
	After  bool
	Offset int64
	Limit  int
}

const describeSQL = `SELECT COLUMN_NAME, COLUMN_TYPE, COLUMN_KEY
FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
ORDER BY ORDINAL_POSITION`

// QuoteIdent backtick-quotes a MySQL identifier.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func qualified(td models.TableDescriptor) string {
	return QuoteIdent(td.Database) + "." + QuoteIdent(td.Table)
}

func columnList(td models.TableDescriptor) string {
	cols := td.ColumnNames()
	for i, name := range cols {
		cols[i] = QuoteIdent(name)
	}
	return strings.Join(cols, ", ")
}

// keyExpr is the expression used to compare and order the pagination key.
// ENUM keys compare as text so MIN, WHERE and ORDER BY agree.
func keyExpr(td models.TableDescriptor) string {
	key := QuoteIdent(td.PrimaryKey)
	if col, ok := td.Column(td.PrimaryKey); ok && col.BaseType() == "enum" {
		return "CAST(" + key + " AS CHAR)"
	}
	return key
}

func countSQL(td models.TableDescriptor) string {
	target := "*"
	if td.PrimaryKey != "" {
		target = QuoteIdent(td.PrimaryKey)
	}
	return fmt.Sprintf("SELECT COUNT(%s) FROM %s", target, qualified(td))
}

func minKeySQL(td models.TableDescriptor) string {
	return fmt.Sprintf("SELECT MIN(%s) FROM %s", keyExpr(td), qualified(td))
}

func selectPageSQL(td models.TableDescriptor, p Page) (string, []any) {
	if td.UsablePK {
		op := ">="
		if p.After {
			op = ">"
		}
		expr := keyExpr(td)
		return fmt.Sprintf("SELECT SQL_NO_CACHE %s FROM %s WHERE %s %s ? ORDER BY %s ASC LIMIT %d",
			columnList(td), qualified(td), expr, op, expr, p.Limit), []any{p.Key}
	}
	return fmt.Sprintf("SELECT SQL_NO_CACHE %s FROM %s LIMIT %d OFFSET %d",
		columnList(td), qualified(td), p.Limit, p.Offset), nil
}

func insertSQL(td models.TableDescriptor, rows int) string {
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(td.Columns)), ", ") + ")"
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", qualified(td), columnList(td))
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
	}
	return b.String()
}

func flatten(rows [][]any) []any {
	n := 0
	for _, r := range rows {
		n += len(r)
	}
	args := make([]any, 0, n)
	for _, r := range rows {
		args = append(args, r...)
	}
	return args
}

func sessionVarStatements(vars map[string]int) []string {
	// fixed order keeps reconnect logs stable
	order := []string{"wait_timeout", "max_execution_time", "net_read_timeout", "net_write_timeout", "interactive_timeout"}
	stmts := make([]string, 0, len(order))
	for _, name := range order {
		if v, ok := vars[name]; ok && v > 0 {
			stmts = append(stmts, fmt.Sprintf("SET SESSION %s = %d", name, v))
		}
	}
	return stmts
}
