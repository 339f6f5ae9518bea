package models

import (
	"fmt"
	"strings"
)

// rangeKeyTypes are the declared types a single-column primary key may have
// to be used for range pagination.
var rangeKeyTypes = map[string]bool{
	"bit":       true,
	"float":     true,
	"double":    true,
	"real":      true,
	"enum":      true,
	"tinyint":   true,
	"smallint":  true,
	"mediumint": true,
	"int":       true,
	"integer":   true,
	"bigint":    true,
	"year":      true,
}

var largeBlobTypes = map[string]bool{
	"mediumblob": true,
	"longblob":   true,
}

type Column struct {
	Name string `json:"name"`
	// Type is the declared COLUMN_TYPE, e.g. "int(10) unsigned".
	Type string `json:"type"`
}

// BaseType is the lower-case type name without length or modifiers.
func (c Column) BaseType() string {
	t := strings.ToLower(strings.TrimSpace(c.Type))
	if i := strings.IndexAny(t, "( "); i >= 0 {
		t = t[:i]
	}
	return t
}

// TableDescriptor is derived once per table before its rows are copied.
type TableDescriptor struct {
	Database string   `json:"database"`
	Table    string   `json:"table"`
	Columns  []Column `json:"columns"`
	// PrimaryKey is the first primary key column, empty when there is none.
	PrimaryKey string `json:"primary_key,omitempty"`
	PKCount    int    `json:"pk_count"`
	// UsablePK is false when pagination falls back to OFFSET.
	UsablePK bool `json:"usable_pk"`
}

// NewTableDescriptor applies the pagination key decision: exactly one primary
// key column whose type is ordinal.
func NewTableDescriptor(database, table string, columns []Column, pkColumns []string) TableDescriptor {
	td := TableDescriptor{
		Database: database,
		Table:    table,
		Columns:  columns,
		PKCount:  len(pkColumns),
	}
	if len(pkColumns) > 0 {
		td.PrimaryKey = pkColumns[0]
	}
	if len(pkColumns) == 1 {
		if col, ok := td.Column(td.PrimaryKey); ok && rangeKeyTypes[col.BaseType()] {
			td.UsablePK = true
		}
	}
	return td
}

func (t TableDescriptor) QualifiedName() string {
	return fmt.Sprintf("%s.%s", t.Database, t.Table)
}

func (t TableDescriptor) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// KeyIndex is the position of the pagination key in Columns, -1 without one.
func (t TableDescriptor) KeyIndex() int {
	if !t.UsablePK {
		return -1
	}
	for i, c := range t.Columns {
		if c.Name == t.PrimaryKey {
			return i
		}
	}
	return -1
}

func (t TableDescriptor) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func (t TableDescriptor) ColumnTypes() []string {
	types := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		types[i] = c.Type
	}
	return types
}

// HasLargeBlobs reports MEDIUMBLOB/LONGBLOB columns, which shrink the batch size.
func (t TableDescriptor) HasLargeBlobs() bool {
	for _, c := range t.Columns {
		if largeBlobTypes[c.BaseType()] {
			return true
		}
	}
	return false
}

// PKLabel describes the pagination strategy for progress and logs.
func (t TableDescriptor) PKLabel() string {
	switch {
	case t.UsablePK:
		return fmt.Sprintf("using %s pk", t.PrimaryKey)
	case t.PKCount > 1:
		return fmt.Sprintf("%d pks", t.PKCount)
	case t.PKCount == 1:
		return "pk not ordinal"
	default:
		return "no pk"
	}
}
