package progress

import (
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

const updateInterval = 50 * time.Millisecond

// Bar reports inodes processed during a copy worker run. All methods are
// no-ops on a Bar built with New(false, ...); the Bar does not itself check
// whether stderr is a terminal.
type Bar struct {
	bar *progressbar.ProgressBar
}

// New creates a progress indicator for a worker run against one medium.
// total is the claimed batch size at the moment New is called; pass -1 for
// spinner mode when the remaining count isn't known in advance (the normal
// case here, since a medium's queue drains in claim-sized batches rather
// than a single known total).
func New(enabled bool, total int64) *Bar {
	if !enabled {
		return &Bar{}
	}

	opts := []progressbar.Option{
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionThrottle(updateInterval),
		progressbar.OptionClearOnFinish(),
	}

	if total < 0 {
		// Spinner mode
		opts = append(opts,
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetElapsedTime(false),
		)
		return &Bar{bar: progressbar.NewOptions(-1, opts...)}
	}

	// Progress bar mode
	opts = append(opts, progressbar.OptionSetWidth(40))
	return &Bar{bar: progressbar.NewOptions64(total, opts...)}
}

// Set sets the processed count to a specific value.
func (b *Bar) Set(n uint64) {
	if b.bar != nil {
		_ = b.bar.Set64(int64(n))
	}
}

// Add advances the processed count by delta, the shape the worker loop
// actually calls after each inode rather than recomputing an absolute total.
func (b *Bar) Add(delta uint64) {
	if b.bar != nil {
		_ = b.bar.Add64(int64(delta))
	}
}

// Describe updates the spinner/bar description, typically the current
// inode number or action being processed.
func (b *Bar) Describe(s fmt.Stringer) {
	if b.bar != nil {
		b.bar.Describe(s.String())
	}
}

// Finish completes the progress indicator and prints a final summary line.
func (b *Bar) Finish(s fmt.Stringer) {
	if b.bar != nil {
		_ = b.bar.Finish()
		fmt.Fprintln(os.Stderr, "✔ "+s.String())
	}
}
