// Package progress renders per-table and per-phase progress bars.
package progress

import (
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Handle identifies one bar started by Begin.
type Handle uint64

// Reporter is shared by every goroutine of a run and must be safe for
// concurrent use.
type Reporter interface {
	Begin(total int64, unit, label string) Handle
	// Advance moves h forward by n; a non-empty label replaces the description.
	Advance(h Handle, n int64, label string)
	End(h Handle)
}

// Bars draws one progressbar per handle to out.
type Bars struct {
	mu   sync.Mutex
	out  io.Writer
	next Handle
	bars map[Handle]*progressbar.ProgressBar
}

func NewBars(out io.Writer) *Bars {
	return &Bars{out: out, bars: make(map[Handle]*progressbar.ProgressBar)}
}

func (b *Bars) Begin(total int64, unit, label string) Handle {
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(b.out),
		progressbar.OptionSetDescription(label),
		progressbar.OptionSetItsString(unit),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.bars[b.next] = bar
	return b.next
}

func (b *Bars) Advance(h Handle, n int64, label string) {
	b.mu.Lock()
	bar, ok := b.bars[h]
	b.mu.Unlock()
	if !ok {
		return
	}
	if label != "" {
		bar.Describe(label)
	}
	_ = bar.Add64(n)
}

func (b *Bars) End(h Handle) {
	b.mu.Lock()
	bar, ok := b.bars[h]
	delete(b.bars, h)
	b.mu.Unlock()
	if ok {
		_ = bar.Finish()
	}
}

// Nop discards progress; used with --no-progress and in tests.
type Nop struct{}

func (Nop) Begin(int64, string, string) Handle { return 0 }
func (Nop) Advance(Handle, int64, string)      {}
func (Nop) End(Handle)                         {}
