package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stanstork/stratum-migrator/internal/config"
	"github.com/stanstork/stratum-migrator/internal/models"
	"github.com/stanstork/stratum-migrator/internal/repository"
	"github.com/stanstork/stratum-migrator/internal/session"
)

func testConfig() *config.Config {
	return &config.Config{
		Databases: config.DatabasesConfig{System: []string{"information_schema", "performance_schema", "sys", "mysql"}},
		Transfer: config.TransferConfig{
			BatchSize:         500,
			ReconnectAttempts: 1,
			SlowBatch:         time.Hour,
			VerySlowBatch:     2 * time.Hour,
			MaxCooldown:       time.Second,
		},
		Run: config.RunConfig{DBThreads: 2, TableThreads: 2, NoWait: true},
	}
}

type memTable struct {
	source [][]any
	dest   [][]any
}

// memSession holds single-column bigint tables keyed by name.
type memSession struct {
	mu sync.Mutex

	tables map[string]*memTable
	// failInsert makes InsertRows on that table fail with a non-recoverable error.
	failInsert string
	// execErr may reject a statement; nil accepts it.
	execErr func(query string) error
	// dropConnOn makes the first bulk insert into that table lose the connection.
	dropConnOn string
	reconnects int

	execs      []string
	opens      int
	isolation  string
	inTx       bool
	committed  bool
	rolledBack bool
}

func newMemSession(rows map[string]int) *memSession {
	s := &memSession{tables: map[string]*memTable{}}
	for name, n := range rows {
		t := &memTable{}
		for i := 1; i <= n; i++ {
			t.source = append(t.source, []any{int64(i)})
		}
		s.tables[name] = t
	}
	return s
}

func (s *memSession) opener() Opener {
	return func(context.Context, string, string, bool) (Session, error) {
		s.mu.Lock()
		s.opens++
		s.mu.Unlock()
		return s, nil
	}
}

func (s *memSession) executed(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, q := range s.execs {
		if strings.HasPrefix(q, prefix) {
			out = append(out, q)
		}
	}
	return out
}

func (s *memSession) Describe(_ context.Context, database, table string) (models.TableDescriptor, error) {
	return models.NewTableDescriptor(database, table, []models.Column{{Name: "id", Type: "bigint(20)"}}, []string{"id"}), nil
}

func (s *memSession) CountRows(_ context.Context, side session.Side, td models.TableDescriptor) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[td.Table]
	if side == session.Destination {
		return int64(len(t.dest)), nil
	}
	return int64(len(t.source)), nil
}

func (s *memSession) MinKey(_ context.Context, td models.TableDescriptor) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[td.Table]
	if len(t.source) == 0 {
		return nil, nil
	}
	return t.source[0][0], nil
}

func (s *memSession) FetchPage(_ context.Context, td models.TableDescriptor, p session.Page) ([][]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]any
	for _, r := range s.tables[td.Table].source {
		k := r[0].(int64)
		from := p.Key.(int64)
		if k < from || (p.After && k == from) {
			continue
		}
		out = append(out, []any{k})
		if len(out) == p.Limit {
			break
		}
	}
	return out, nil
}

func (s *memSession) InsertRows(_ context.Context, td models.TableDescriptor, rows [][]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if td.Table == s.failInsert {
		return &mysql.MySQLError{Number: 1146, Message: "Table doesn't exist"}
	}
	if td.Table == s.dropConnOn {
		s.dropConnOn = ""
		return mysql.ErrInvalidConn
	}
	t := s.tables[td.Table]
	t.dest = append(t.dest, rows...)
	return nil
}

func (s *memSession) InsertRow(ctx context.Context, td models.TableDescriptor, row []any) error {
	return s.InsertRows(ctx, td, [][]any{row})
}

// Reconnect behaves like a server that lost the open transaction: every
// uncommitted destination row is gone.
func (s *memSession) Reconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	if s.inTx {
		for _, t := range s.tables {
			t.dest = nil
		}
	}
	return nil
}

func (s *memSession) Use(_ context.Context, _, dstDB string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, "USE "+session.QuoteIdent(dstDB))
	return nil
}

func (s *memSession) Exec(_ context.Context, query string, _ ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execErr != nil {
		if err := s.execErr(query); err != nil {
			return err
		}
	}
	s.execs = append(s.execs, query)
	return nil
}

func (s *memSession) Begin(_ context.Context, isolation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isolation = isolation
	s.inTx = true
	return nil
}

func (s *memSession) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTx = false
	s.committed = true
	return nil
}

func (s *memSession) Rollback(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inTx {
		return nil
	}
	s.inTx = false
	s.rolledBack = true
	for _, t := range s.tables {
		t.dest = nil
	}
	return nil
}

func (s *memSession) Close() error { return nil }

type fakeCatalog struct {
	mu      sync.Mutex
	dbs     []string
	tables  map[string][]string
	schema  repository.Schema
	version string
	dropped []string
}

func (c *fakeCatalog) ListDatabases(context.Context) ([]string, error) { return c.dbs, nil }

func (c *fakeCatalog) ListBaseTables(_ context.Context, db string) ([]string, error) {
	return c.tables[db], nil
}

func (c *fakeCatalog) GetSchema(_ context.Context, _ string, tables []string) (repository.Schema, error) {
	s := c.schema
	s.Tables = nil
	for _, t := range tables {
		s.Tables = append(s.Tables, repository.SchemaObject{Name: t, Statement: "CREATE TABLE `" + t + "` (id bigint primary key)"})
	}
	return s, nil
}

func (c *fakeCatalog) CountTableRows(context.Context, string, string) (int64, error) { return 0, nil }

func (c *fakeCatalog) DropDatabase(_ context.Context, db string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = append(c.dropped, db)
	return nil
}

func (c *fakeCatalog) ServerVersion(context.Context) (string, error) { return c.version, nil }

type memLedger struct {
	mu    sync.Mutex
	names []string
}

func (m *memLedger) Append(db string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, db)
	return nil
}

func (m *memLedger) Exists() bool { return len(m.names) > 0 }

func (m *memLedger) List() ([]string, error) { return m.names, nil }

func (m *memLedger) Clear() error { m.names = nil; return nil }
