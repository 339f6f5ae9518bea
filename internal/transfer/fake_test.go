package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stanstork/stratum-migrator/internal/models"
	"github.com/stanstork/stratum-migrator/internal/session"
)

// memPair is an in-memory Pair. Source rows must be sorted by key.
type memPair struct {
	mu sync.Mutex

	td     models.TableDescriptor
	source [][]any
	dest   [][]any
	keys   map[string]bool

	pages      []session.Page
	insertErrs []error
	fetchErrs  []error
	reconnects int
	// rowErrs fails single row inserts by key.
	rowErrs      map[int64]error
	reconnectErr error
	// onInsert runs after every bulk insert attempt with the batch length.
	onInsert func(n int)
}

func newMemPair(td models.TableDescriptor, source [][]any) *memPair {
	return &memPair{td: td, source: source, keys: map[string]bool{}}
}

func (p *memPair) seedDest(rows ...[]any) {
	for _, r := range rows {
		p.dest = append(p.dest, r)
		p.keys[rowKey(r)] = true
	}
}

func rowKey(r []any) string { return fmt.Sprint(r[0]) }

func (p *memPair) Describe(_ context.Context, database, table string) (models.TableDescriptor, error) {
	return p.td, nil
}

func (p *memPair) CountRows(_ context.Context, side session.Side, _ models.TableDescriptor) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if side == session.Destination {
		return int64(len(p.dest)), nil
	}
	return int64(len(p.source)), nil
}

func (p *memPair) MinKey(_ context.Context, td models.TableDescriptor) (any, error) {
	if len(p.source) == 0 {
		return nil, nil
	}
	return p.source[0][td.KeyIndex()], nil
}

func (p *memPair) FetchPage(_ context.Context, td models.TableDescriptor, pg session.Page) ([][]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages = append(p.pages, pg)
	if len(p.fetchErrs) > 0 {
		err := p.fetchErrs[0]
		p.fetchErrs = p.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	var out [][]any
	if idx := td.KeyIndex(); idx >= 0 {
		for _, r := range p.source {
			if len(out) == pg.Limit {
				break
			}
			if keyAtLeast(r[idx], pg.Key, pg.After) {
				out = append(out, r)
			}
		}
		return out, nil
	}
	for i := pg.Offset; i < int64(len(p.source)) && len(out) < pg.Limit; i++ {
		out = append(out, p.source[i])
	}
	return out, nil
}

func keyAtLeast(v, bound any, exclusive bool) bool {
	switch b := bound.(type) {
	case int64:
		if exclusive {
			return v.(int64) > b
		}
		return v.(int64) >= b
	case string:
		if exclusive {
			return v.(string) > b
		}
		return v.(string) >= b
	}
	panic(fmt.Sprintf("unsupported key %T", bound))
}

func (p *memPair) InsertRows(_ context.Context, _ models.TableDescriptor, rows [][]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onInsert != nil {
		p.onInsert(len(rows))
	}
	if len(p.insertErrs) > 0 {
		err := p.insertErrs[0]
		p.insertErrs = p.insertErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, r := range rows {
		if p.keys[rowKey(r)] {
			return &mysql.MySQLError{Number: 1062, Message: fmt.Sprintf("Duplicate entry '%v' for key 'PRIMARY'", r[0])}
		}
	}
	for _, r := range rows {
		p.keys[rowKey(r)] = true
		p.dest = append(p.dest, r)
	}
	return nil
}

func (p *memPair) InsertRow(_ context.Context, _ models.TableDescriptor, row []any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if k, ok := row[0].(int64); ok && p.rowErrs[k] != nil {
		return p.rowErrs[k]
	}
	if p.keys[rowKey(row)] {
		return &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	}
	p.keys[rowKey(row)] = true
	p.dest = append(p.dest, row)
	return nil
}

func (p *memPair) Reconnect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconnects++
	return p.reconnectErr
}

type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return nil
}

// cooldowns are the sleeps longer than the inter-batch pause.
func (c *fakeClock) cooldowns() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, d := range c.slept {
		if d >= time.Second {
			out = append(out, d)
		}
	}
	return out
}

func intRows(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i + 1), fmt.Sprintf("customer-%d", i+1)}
	}
	return rows
}

func ordersTable(pkType string, extra ...models.Column) models.TableDescriptor {
	cols := append([]models.Column{
		{Name: "id", Type: pkType},
		{Name: "customer", Type: "varchar(64)"},
	}, extra...)
	return models.NewTableDescriptor("shop", "orders", cols, []string{"id"})
}
