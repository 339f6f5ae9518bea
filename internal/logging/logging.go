// Package logging builds the process logger and adapts third-party loggers to it.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
)

// New returns a console logger writing to out at level. Unknown levels fall
// back to info. The standard library logger is redirected to it.
func New(out io.Writer, level string) zerolog.Logger {
	consoleWriter := zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.SetFlags(0)
	log.SetOutput(logger)
	return logger
}

// MySQLAdapter routes go-sql-driver's internal messages (bad connections,
// packet errors) into zerolog.
type MySQLAdapter struct {
	logger zerolog.Logger
}

func NewMySQLAdapter(logger zerolog.Logger) mysql.Logger {
	return &MySQLAdapter{
		logger: logger.With().Str("component", "mysql-driver").Logger(),
	}
}

func (a *MySQLAdapter) Print(v ...any) {
	a.logger.Warn().Msg(strings.TrimSpace(fmt.Sprint(v...)))
}

// Install registers the adapter as the driver's logger.
func Install(logger zerolog.Logger) error {
	return mysql.SetLogger(NewMySQLAdapter(logger))
}
