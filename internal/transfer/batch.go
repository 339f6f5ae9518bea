package transfer

import (
	"time"

	"github.com/stanstork/stratum-migrator/internal/session"
)

const (
	boostEvery      = 10
	boostStep       = 2048
	boostMaxFactor  = 6
	blobDivisor     = 5
	reconnectShrink = 8
	cooldownDivisor = 4
)

// Thresholds drive the latency based throttling.
type Thresholds struct {
	Slow        time.Duration
	VerySlow    time.Duration
	MaxCooldown time.Duration
}

// BatchState is the adaptive state of one table loop.
type BatchState struct {
	Size int
	// Baseline is the size the table started with; boosts grow from it.
	Baseline    int
	Consecutive int
	Blocks      int
	Cursor      session.Page
	Transferred int64
	Total       int64
}

// NewBatchState derives the initial size from baseline, dividing it for tables
// carrying large blobs.
func NewBatchState(baseline int, total int64, largeBlobs bool) *BatchState {
	size := baseline
	if largeBlobs {
		size = baseline / blobDivisor
	}
	if size < 1 {
		size = 1
	}
	return &BatchState{Size: size, Baseline: size, Total: total}
}

// RecordSuccess counts a bulk insert that went through. Every tenth one in a
// row grows the batch. It reports whether the size grew.
func (b *BatchState) RecordSuccess() bool {
	b.Consecutive++
	if b.Consecutive < boostEvery {
		return false
	}
	b.Blocks++
	b.Size = min(b.Baseline+b.Blocks*boostStep, b.Size*boostMaxFactor)
	b.Consecutive = 0
	return true
}

// Adapt applies the throttling rules to a finished batch and returns how long
// the loop should cool down.
func (b *BatchState) Adapt(elapsed time.Duration, t Thresholds) time.Duration {
	switch {
	case elapsed > t.VerySlow:
		b.Size = max(1, b.Size/2)
		b.Consecutive = 0
		b.Blocks = 0
		cooldown := time.Duration(int64(elapsed.Seconds()/cooldownDivisor)) * time.Second
		return min(cooldown, t.MaxCooldown)
	case elapsed > t.Slow:
		b.Size = max(1, b.Size/2)
		b.Consecutive = max(0, b.Consecutive-1)
		b.Blocks = max(0, b.Blocks-1)
	}
	return 0
}

// ShrinkOnReconnect cuts the batch after a lost connection. Boost counters are
// left alone.
func (b *BatchState) ShrinkOnReconnect() {
	b.Size = max(1, b.Size/reconnectShrink)
}

func (b *BatchState) Throttled() bool { return b.Size < b.Baseline }
func (b *BatchState) Boosted() bool   { return b.Size > b.Baseline }
