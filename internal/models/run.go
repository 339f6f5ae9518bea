package models

import (
	"fmt"
	"time"
)

type DatabaseStatus string

const (
	DatabaseStatusSucceeded DatabaseStatus = "succeeded"
	DatabaseStatusFailed    DatabaseStatus = "failed"
	DatabaseStatusCancelled DatabaseStatus = "cancelled"
)

// TableStat is the outcome of one table transfer.
type TableStat struct {
	Table     string        `json:"table"`
	Rows      int64         `json:"rows"`
	Fallbacks int           `json:"fallbacks"`
	PKLabel   string        `json:"pk_label"`
	Duration  time.Duration `json:"duration"`
}

// DatabaseResult is the outcome of one database migration.
type DatabaseResult struct {
	Database     string         `json:"database"`
	Status       DatabaseStatus `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at"`
	Tables       []TableStat    `json:"tables,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

func (r DatabaseResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

func (r DatabaseResult) Rows() int64 {
	var n int64
	for _, t := range r.Tables {
		n += t.Rows
	}
	return n
}

// FormatElapsed renders d as "HHh:MMmin:SS.Ss".
func FormatElapsed(d time.Duration) string {
	secs := d.Seconds()
	hours := int(secs) / 3600
	minutes := (int(secs) % 3600) / 60
	rest := secs - float64(hours*3600+minutes*60)
	return fmt.Sprintf("%02dh:%02dmin:%04.1fs", hours, minutes, rest)
}
