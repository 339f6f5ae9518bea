package codec

import (
	"database/sql"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ScanTarget returns a pointer suitable for rows.Scan for a column declared
// as columnType. Unwrap turns the scanned pointer back into a plain value.
func ScanTarget(columnType string) any {
	switch BaseType(columnType) {
	case "tinyint", "smallint", "mediumint", "int", "integer", "year":
		return new(sql.NullInt64)
	case "bigint":
		if isUnsigned(columnType) {
			return new(any)
		}
		return new(sql.NullInt64)
	case "float", "double", "real":
		return new(sql.NullFloat64)
	case "decimal", "numeric":
		return new(decimal.NullDecimal)
	case "date", "datetime", "timestamp":
		return new(sql.NullTime)
	case "set":
		return new(sql.NullString)
	case "bit", "binary", "varbinary", "tinyblob", "blob", "mediumblob", "longblob", "geometry", "point":
		return new([]byte)
	default:
		return new(sql.NullString)
	}
}

// ScanTargets builds one ScanTarget per column.
func ScanTargets(columnTypes []string) []any {
	dest := make([]any, len(columnTypes))
	for i, t := range columnTypes {
		dest[i] = ScanTarget(t)
	}
	return dest
}

// Unwrap converts a scan destination created by ScanTarget into the value
// domain Encode understands. NULL becomes nil.
func Unwrap(dest any, columnType string) any {
	switch d := dest.(type) {
	case *sql.NullInt64:
		if !d.Valid {
			return nil
		}
		return d.Int64
	case *sql.NullFloat64:
		if !d.Valid {
			return nil
		}
		return d.Float64
	case *decimal.NullDecimal:
		if !d.Valid {
			return nil
		}
		return d.Decimal
	case *sql.NullTime:
		if !d.Valid {
			return nil
		}
		return d.Time
	case *sql.NullString:
		if !d.Valid {
			return nil
		}
		if BaseType(columnType) == "set" {
			if d.String == "" {
				return Set{}
			}
			return Set(strings.Split(d.String, ","))
		}
		return d.String
	case *[]byte:
		if *d == nil {
			return nil
		}
		if BaseType(columnType) == "bit" {
			return bitValue(*d)
		}
		return *d
	case *any:
		return unsignedValue(*d)
	}
	return dest
}

// UnwrapRow unwraps a full row of scan destinations.
func UnwrapRow(dest []any, columnTypes []string) []any {
	row := make([]any, len(dest))
	for i := range dest {
		row[i] = Unwrap(dest[i], columnTypes[i])
	}
	return row
}

func isUnsigned(columnType string) bool {
	return strings.Contains(strings.ToLower(columnType), "unsigned")
}

// bitValue decodes a big-endian BIT(n) payload into an integer so it can be
// compared and incremented like any other ordinal key.
func bitValue(b []byte) uint64 {
	var buf [8]byte
	if len(b) > 8 {
		b = b[len(b)-8:]
	}
	copy(buf[8-len(b):], b)
	return binary.BigEndian.Uint64(buf[:])
}

func unsignedValue(v any) any {
	switch n := v.(type) {
	case nil:
		return nil
	case []byte:
		if u, err := strconv.ParseUint(string(n), 10, 64); err == nil {
			return u
		}
		return string(n)
	case int64:
		return uint64(n)
	}
	return v
}
