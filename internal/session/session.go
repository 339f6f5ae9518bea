// Package session owns the pair of dedicated source and destination
// connections a migration unit works through. Every statement on either side
// runs under one mutex.
package session

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-migrator/internal/config"
)

type options struct {
	logger        zerolog.Logger
	sessionVars   bool
	attempts      int
	backoff       time.Duration
	openDB        func(dsn string) (*sql.DB, error)
	sessionConfig config.SessionConfig
}

type Option func(*options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithReconnect(attempts int, backoff time.Duration) Option {
	return func(o *options) { o.attempts = attempts; o.backoff = backoff }
}

type side struct {
	name     Side
	dsn      string
	db       *sql.DB
	conn     *sql.Conn
	database string
}

// Session is a connection pair. Raw connections never leave the package.
type Session struct {
	mu   sync.Mutex
	src  side
	dst  side
	opts options

	inTx      bool
	isolation string
}

// Open connects both sides, turns destination autocommit off and selects
// srcDB/dstDB when they are not empty.
func Open(ctx context.Context, cfg *config.Config, srcDB, dstDB string, opts ...Option) (*Session, error) {
	o := options{
		logger:        zerolog.Nop(),
		attempts:      cfg.Transfer.ReconnectAttempts,
		backoff:       cfg.Transfer.ReconnectBackoff,
		openDB:        func(dsn string) (*sql.DB, error) { return sql.Open("mysql", dsn) },
		sessionConfig: cfg.Session,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.attempts < 1 {
		o.attempts = 1
	}

	s := &Session{
		src:  side{name: Source, dsn: cfg.Source.DSN(""), database: srcDB},
		dst:  side{name: Destination, dsn: cfg.Destination.DSN(""), database: dstDB},
		opts: o,
	}
	for _, sd := range []*side{&s.src, &s.dst} {
		db, err := o.openDB(sd.dsn)
		if err != nil {
			_ = s.closeAll()
			return nil, errors.Wrapf(err, "open %s", sd.name)
		}
		// the pair holds its connections for the whole unit; a returned
		// connection is always discarded
		db.SetMaxIdleConns(0)
		sd.db = db
	}

	if err := s.connect(ctx); err != nil {
		_ = s.closeAll()
		return nil, err
	}
	return s, nil
}

// connect acquires fresh connections and restores all session state. Caller
// holds mu or has exclusive access.
func (s *Session) connect(ctx context.Context) error {
	for _, sd := range []*side{&s.src, &s.dst} {
		if sd.conn != nil {
			_ = sd.conn.Close()
			sd.conn = nil
		}
		conn, err := sd.db.Conn(ctx)
		if err != nil {
			return errors.Wrapf(err, "connect %s", sd.name)
		}
		if err := conn.PingContext(ctx); err != nil {
			_ = conn.Close()
			return errors.Wrapf(err, "ping %s", sd.name)
		}
		sd.conn = conn
	}

	if _, err := s.dst.conn.ExecContext(ctx, "SET autocommit = 0"); err != nil {
		return errors.Wrap(err, "disable destination autocommit")
	}
	if s.opts.sessionVars {
		s.configure(ctx)
	}
	for _, sd := range []*side{&s.src, &s.dst} {
		if sd.database == "" {
			continue
		}
		if _, err := sd.conn.ExecContext(ctx, "USE "+QuoteIdent(sd.database)); err != nil {
			return errors.Wrapf(err, "select %s database %s", sd.name, sd.database)
		}
	}
	if s.inTx {
		// the server rolled back whatever the lost transaction held
		s.opts.logger.Warn().Msg("Destination transaction reopened, uncommitted rows discarded")
		if err := s.begin(ctx); err != nil {
			return errors.Wrap(err, "reopen destination transaction")
		}
	}
	return nil
}

// ConfigureSession applies the session timeouts on both sides. Later
// reconnects apply them again.
func (s *Session) ConfigureSession(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.sessionVars = true
	s.configure(ctx)
}

func (s *Session) configure(ctx context.Context) {
	sc := s.opts.sessionConfig
	stmts := sessionVarStatements(map[string]int{
		"wait_timeout":        sc.WaitTimeout,
		"max_execution_time":  sc.MaxExecutionTimeMs,
		"net_read_timeout":    sc.NetReadTimeout,
		"net_write_timeout":   sc.NetWriteTimeout,
		"interactive_timeout": sc.InteractiveTimeout,
	})
	for _, sd := range []*side{&s.src, &s.dst} {
		for _, stmt := range stmts {
			// not every server knows every variable (MariaDB lacks max_execution_time)
			if _, err := sd.conn.ExecContext(ctx, stmt); err != nil {
				s.opts.logger.Warn().Err(err).Str("side", sd.name.String()).Str("statement", stmt).Msg("Session variable not applied")
			}
		}
	}
}

// Reconnect re-establishes both sides after a lost connection. When another
// caller already repaired the pair it returns immediately.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.healthy(ctx) {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.attempts; attempt++ {
		lastErr = s.connect(ctx)
		if lastErr == nil {
			s.opts.logger.Info().Int("attempt", attempt).Msg("Reconnected")
			return nil
		}
		s.opts.logger.Warn().Err(lastErr).Int("attempt", attempt).Int("max_attempts", s.opts.attempts).Msg("Reconnect failed")
		if attempt == s.opts.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.backoff):
		}
	}
	return errors.Wrapf(lastErr, "reconnect failed after %d attempts", s.opts.attempts)
}

func (s *Session) healthy(ctx context.Context) bool {
	for _, sd := range []*side{&s.src, &s.dst} {
		if sd.conn == nil || sd.conn.PingContext(ctx) != nil {
			return false
		}
	}
	return true
}

// Close rolls back an open transaction and releases both sides.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.inTx && s.dst.conn != nil {
		if _, err := s.dst.conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
			firstErr = errors.Wrap(err, "rollback on close")
		}
		s.inTx = false
	}
	if err := s.closeAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Session) closeAll() error {
	var firstErr error
	for _, sd := range []*side{&s.src, &s.dst} {
		if sd.conn != nil {
			if err := sd.conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			sd.conn = nil
		}
		if sd.db != nil {
			if err := sd.db.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			sd.db = nil
		}
	}
	return firstErr
}
