package verify

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-migrator/internal/config"
	"github.com/stanstork/stratum-migrator/internal/progress"
	"github.com/stanstork/stratum-migrator/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name       string
		src, dst   RowCounts
		failed     []string
		want       Status
		mismatches []Mismatch
	}{
		{
			name: "equal counts",
			src:  RowCounts{"db1.t1": 100},
			dst:  RowCounts{"db1.t1": 100},
			want: StatusSuccess,
		},
		{
			name:       "one row short",
			src:        RowCounts{"db1.t1": 100},
			dst:        RowCounts{"db1.t1": 99},
			want:       StatusFailure,
			mismatches: []Mismatch{{Table: "db1.t1", Source: 100, Destination: 99}},
		},
		{
			name: "nothing on either side",
			src:  RowCounts{},
			dst:  RowCounts{},
			want: StatusNoData,
		},
		{
			name:   "equal counts with ledgered failures",
			src:    RowCounts{"db1.t1": 5},
			dst:    RowCounts{"db1.t1": 5},
			failed: []string{"db2"},
			want:   StatusSuccessWithKnownFailures,
		},
		{
			name: "table missing on each side",
			src:  RowCounts{"db1.a": 1, "db1.b": 2},
			dst:  RowCounts{"db1.a": 1, "db1.c": 3},
			want: StatusFailure,
			mismatches: []Mismatch{
				{Table: "db1.b", Source: 2, Destination: -1},
				{Table: "db1.c", Source: -1, Destination: 3},
			},
		},
		{
			name: "empty destination",
			src:  RowCounts{"db1.t1": 0},
			dst:  RowCounts{},
			want: StatusFailure,
			mismatches: []Mismatch{
				{Table: "db1.t1", Source: 0, Destination: -1},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Compare(tt.src, tt.dst, []string{"db1"}, []string{"db1"}, tt.failed)
			assert.Equal(t, tt.want, r.Status)
			assert.Equal(t, tt.mismatches, r.Mismatches)
		})
	}
}

func TestCompareDatabaseSets(t *testing.T) {
	r := Compare(RowCounts{"a.t": 1}, RowCounts{"a.t": 1}, []string{"a", "b"}, []string{"a", "c"}, nil)
	assert.Equal(t, []string{"b"}, r.OnlySource)
	assert.Equal(t, []string{"c"}, r.OnlyDestination)
	assert.Equal(t, int64(1), r.Rows)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "success", StatusSuccess.String())
	assert.Equal(t, "success_with_known_failures", StatusSuccessWithKnownFailures.String())
	assert.Equal(t, "failure", StatusFailure.String())
	assert.Equal(t, "no_data", StatusNoData.String())
	assert.True(t, Report{Status: StatusSuccessWithKnownFailures}.OK())
	assert.False(t, Report{Status: StatusNoData}.OK())
}

type fakeCatalog struct {
	repository.CatalogRepository
	dbs    []string
	tables map[string][]string
	rows   map[string]int64
}

func (f *fakeCatalog) ListDatabases(context.Context) ([]string, error) { return f.dbs, nil }

func (f *fakeCatalog) ListBaseTables(_ context.Context, db string) ([]string, error) {
	return f.tables[db], nil
}

func (f *fakeCatalog) CountTableRows(_ context.Context, db, table string) (int64, error) {
	return f.rows[Key(db, table)], nil
}

type memLedger struct{ names []string }

func (m *memLedger) Append(db string) error { m.names = append(m.names, db); return nil }
func (m *memLedger) Exists() bool { return len(m.names) > 0 }
func (m *memLedger) List() ([]string, error) { return m.names, nil }
func (m *memLedger) Clear() error { m.names = nil; return nil }

func TestCheckerRun(t *testing.T) {
	src := &fakeCatalog{
		dbs:    []string{"mysql", "shop", "crm"},
		tables: map[string][]string{"shop": {"orders"}, "crm": {"leads"}, "mysql": {"user"}},
		rows:   map[string]int64{"shop.orders": 100, "crm.leads": 7, "mysql.user": 3},
	}
	dst := &fakeCatalog{
		dbs:    []string{"mysql", "shop"},
		tables: map[string][]string{"shop": {"orders"}, "mysql": {"user"}},
		rows:   map[string]int64{"shop.orders": 99, "mysql.user": 3},
	}
	dbs := config.DatabasesConfig{System: []string{"mysql"}}
	ledger := &memLedger{names: []string{"crm"}}

	c := NewChecker(src, dst, dbs, ledger, progress.Nop{}, zerolog.Nop())

	t.Run("all migrable databases", func(t *testing.T) {
		r, err := c.Run(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusFailure, r.Status)
		assert.Equal(t, []string{"crm"}, r.OnlySource)
		assert.Equal(t, []string{"crm"}, r.Failed)
		assert.Equal(t, []Mismatch{
			{Table: "crm.leads", Source: 7, Destination: -1},
			{Table: "shop.orders", Source: 100, Destination: 99},
		}, r.Mismatches)
	})

	t.Run("processed list intersected with existing", func(t *testing.T) {
		dst.rows["shop.orders"] = 100
		ledger.names = nil
		r, err := c.Run(context.Background(), []string{"shop", "gone"})
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, r.Status)
		assert.Equal(t, int64(100), r.Rows)
	})
}

func TestReportLog(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	Report{Status: StatusFailure, Failed: []string{"crm"}, Mismatches: []Mismatch{{Table: "db1.t1", Source: 100, Destination: 99}}}.Log(logger)
	out := buf.String()
	assert.Contains(t, out, "Check KO!")
	assert.Contains(t, out, "db1.t1 => 100 | 99")
	assert.Contains(t, out, "Failed databases: crm.")

	buf.Reset()
	Report{Status: StatusSuccess, Rows: 42}.Log(logger)
	assert.Contains(t, buf.String(), "Migration of 42 rows")
}
