// Package verify compares per-table row counts between source and destination.
package verify

import (
	"sort"
	"strings"
)

// RowCounts maps "database.table" to its row count.
type RowCounts map[string]int64

func Key(database, table string) string { return database + "." + table }

func (c RowCounts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

type Status int

const (
	StatusNoData Status = iota
	StatusSuccess
	StatusSuccessWithKnownFailures
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSuccessWithKnownFailures:
		return "success_with_known_failures"
	case StatusFailure:
		return "failure"
	default:
		return "no_data"
	}
}

// Mismatch is a table whose counts differ. A side where the table is absent
// reports -1.
type Mismatch struct {
	Table       string
	Source      int64
	Destination int64
}

type Report struct {
	Status Status
	// Rows is the destination row total.
	Rows            int64
	OnlySource      []string
	OnlyDestination []string
	Mismatches      []Mismatch
	Failed          []string
}

// OK is true for both success states.
func (r Report) OK() bool {
	return r.Status == StatusSuccess || r.Status == StatusSuccessWithKnownFailures
}

// Compare requires equal key sets and equal counts. Databases still in the
// failure ledger downgrade a clean match to StatusSuccessWithKnownFailures.
func Compare(src, dst RowCounts, srcDBs, dstDBs, failed []string) Report {
	r := Report{Rows: dst.Total(), Failed: failed}

	if len(src) == 0 && len(dst) == 0 {
		r.Status = StatusNoData
		return r
	}

	r.OnlySource = difference(srcDBs, dstDBs)
	r.OnlyDestination = difference(dstDBs, srcDBs)

	for table, n := range src {
		m, ok := dst[table]
		switch {
		case !ok:
			r.Mismatches = append(r.Mismatches, Mismatch{Table: table, Source: n, Destination: -1})
		case m != n:
			r.Mismatches = append(r.Mismatches, Mismatch{Table: table, Source: n, Destination: m})
		}
	}
	for table, m := range dst {
		if _, ok := src[table]; !ok {
			r.Mismatches = append(r.Mismatches, Mismatch{Table: table, Source: -1, Destination: m})
		}
	}
	sort.Slice(r.Mismatches, func(i, j int) bool {
		return strings.Compare(r.Mismatches[i].Table, r.Mismatches[j].Table) < 0
	})

	switch {
	case len(r.Mismatches) > 0 || len(src) == 0 || len(dst) == 0:
		r.Status = StatusFailure
	case len(failed) > 0:
		r.Status = StatusSuccessWithKnownFailures
	default:
		r.Status = StatusSuccess
	}
	return r
}

func difference(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	var out []string
	for _, s := range a {
		if !in[s] {
			out = append(out, s)
		}
	}
	return out
}
