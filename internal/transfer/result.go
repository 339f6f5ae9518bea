package transfer

import (
	"time"

	"github.com/stanstork/stratum-migrator/internal/models"
)

// Result is the outcome of one table transfer. Err is nil on success.
type Result struct {
	Database  string
	Table     string
	Rows      int64
	Fallbacks int
	// Skipped counts rows already present on the destination.
	Skipped  int64
	PKStatus string
	Duration time.Duration
	Err      error
}

func (r Result) OK() bool { return r.Err == nil }

func (r Result) Stat() models.TableStat {
	return models.TableStat{
		Table:     r.Table,
		Rows:      r.Rows,
		Fallbacks: r.Fallbacks,
		PKLabel:   r.PKStatus,
		Duration:  r.Duration,
	}
}
