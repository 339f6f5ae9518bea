// Package codec turns source cells into values the destination accepts.
package codec

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Set is the decoded form of a MySQL SET column.
type Set []string

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04:05.999999"

	// ZeroDate and ZeroDateTime replace NULL in DATE and DATETIME columns.
	ZeroDate     = "0001-01-01"
	ZeroDateTime = "0001-01-01T00:00:00"
)

// Encode converts value, read from a column declared as columnType, into
// something safe to bind into an INSERT. The first matching rule wins.
func Encode(value any, columnType string) any {
	switch v := value.(type) {
	case string:
		switch strings.ToLower(v) {
		case "true":
			return 1
		case "false":
			return 0
		}
		return v
	case Set:
		return strings.Join(v, ",")
	case bool:
		if v {
			return 1
		}
		return 0
	case time.Time:
		if BaseType(columnType) == "date" {
			return v.Format(dateLayout)
		}
		return v.Format(dateTimeLayout)
	case decimal.Decimal:
		return v.String()
	case nil:
		switch BaseType(columnType) {
		case "date":
			return ZeroDate
		case "datetime":
			return ZeroDateTime
		}
		// TIMESTAMP and everything else keep NULL
		return nil
	}
	return value
}

// EncodeRow applies Encode to every cell of row in place.
func EncodeRow(row []any, columnTypes []string) []any {
	for i := range row {
		row[i] = Encode(row[i], columnTypes[i])
	}
	return row
}

// BaseType normalizes a declared type such as "int(10) unsigned" or
// "DECIMAL(10,2)" into its lower-case base name.
func BaseType(columnType string) string {
	t := strings.ToLower(strings.TrimSpace(columnType))
	if i := strings.IndexAny(t, "( "); i >= 0 {
		t = t[:i]
	}
	return t
}
