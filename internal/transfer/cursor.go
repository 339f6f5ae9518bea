package transfer

import (
	"math"

	"github.com/stanstork/stratum-migrator/internal/models"
	"github.com/stanstork/stratum-migrator/internal/session"
)

// nextPage computes where the following fetch starts once rows were copied.
// Integer keys step to last+1, float keys to the next representable value,
// anything else continues strictly after the last key.
func nextPage(td models.TableDescriptor, cur session.Page, rows [][]any) session.Page {
	idx := td.KeyIndex()
	if idx < 0 {
		return session.Page{Offset: cur.Offset + int64(len(rows))}
	}

	last := rows[len(rows)-1][idx]
	switch v := last.(type) {
	case int64:
		if v == math.MaxInt64 {
			return session.Page{Key: v, After: true}
		}
		return session.Page{Key: v + 1}
	case uint64:
		if v == math.MaxUint64 {
			return session.Page{Key: v, After: true}
		}
		return session.Page{Key: v + 1}
	case float64:
		col, _ := td.Column(td.PrimaryKey)
		if col.BaseType() == "float" {
			return session.Page{Key: float64(math.Nextafter32(float32(v), float32(math.Inf(1))))}
		}
		return session.Page{Key: math.Nextafter(v, math.Inf(1))}
	}
	return session.Page{Key: last, After: true}
}
