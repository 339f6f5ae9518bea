// Package dberr classifies MySQL driver errors into the kinds the migrator
// reacts to differently.
package dberr

import (
	"database/sql/driver"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

type Kind int

const (
	KindFatal Kind = iota
	KindDuplicate
	KindSyntax
	KindConnLost
	KindAlreadyExists
	KindDropMissing
)

func (k Kind) String() string {
	switch k {
	case KindDuplicate:
		return "duplicate"
	case KindSyntax:
		return "syntax"
	case KindConnLost:
		return "connection_lost"
	case KindAlreadyExists:
		return "already_exists"
	case KindDropMissing:
		return "drop_missing"
	default:
		return "fatal"
	}
}

// MySQL server and client error numbers.
const (
	ErDupEntry          = 1062
	ErParseError        = 1064
	ErTableExists       = 1050
	ErDupFieldName      = 1060
	ErDupKeyName        = 1061
	ErSPAlreadyExists   = 1304
	ErTrgAlreadyExists  = 1359
	ErDBDropExists      = 1008
	ErDBCreateExists    = 1007
	CrServerGone        = 2006
	CrServerLost        = 2013
	ErQueryInterrupted  = 1317
	ErClientInteraction = 4031
)

var connLostText = []string{
	"broken pipe",
	"connection reset",
	"connection refused",
	"server has gone away",
	"lost connection",
	"unexpected eof",
	"i/o timeout",
}

// Classify maps err to a Kind. nil is reported as KindFatal; callers check err first.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case ErDupEntry:
			return KindDuplicate
		case ErParseError:
			return KindSyntax
		case ErTableExists, ErDupFieldName, ErDupKeyName, ErSPAlreadyExists, ErTrgAlreadyExists, ErDBCreateExists:
			return KindAlreadyExists
		case ErDBDropExists:
			return KindDropMissing
		case CrServerGone, CrServerLost, ErClientInteraction:
			return KindConnLost
		}
		return KindFatal
	}

	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindConnLost
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnLost
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range connLostText {
		if strings.Contains(msg, pattern) {
			return KindConnLost
		}
	}
	return KindFatal
}

func IsDuplicate(err error) bool     { return err != nil && Classify(err) == KindDuplicate }
func IsConnLost(err error) bool      { return err != nil && Classify(err) == KindConnLost }
func IsAlreadyExists(err error) bool { return err != nil && Classify(err) == KindAlreadyExists }
func IsDropMissing(err error) bool   { return err != nil && Classify(err) == KindDropMissing }

// Error is a classified failure bound to a database object.
type Error struct {
	Kind     Kind
	Database string
	Table    string
	Err      error
}

func (e *Error) Error() string {
	target := e.Database
	if e.Table != "" {
		target = fmt.Sprintf("%s.%s", e.Database, e.Table)
	}
	return fmt.Sprintf("%s [%s]: %v", target, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err and binds it to database/table. nil stays nil.
func Wrap(err error, database, table string) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: Classify(err), Database: database, Table: table, Err: err}
}
