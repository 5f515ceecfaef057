// Package progress reports how far the loader has gotten through a
// batch of candidate archives, either as a spinner (total unknown) or
// a determinate bar (total known up front, e.g. the number of archives).
package progress

import (
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

const updateInterval = 50 * time.Millisecond

// Bar wraps progressbar with enabled/disabled handling.
// All methods are no-ops when disabled, so callers don't need to branch
// on whether progress output was requested.
type Bar struct {
	bar *progressbar.ProgressBar
}

// New creates a progress bar for tracking archive loads.
// If enabled=false, returns a Bar where all methods are no-ops.
// Use total=-1 for spinner mode (extraction/loading work whose size
// isn't known ahead of time), or total>0 for determinate progress
// (e.g. the number of candidate archives).
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

// Set sets the progress bar to a specific value (e.g. archives loaded so far).
func (b *Bar) Set(n uint64) {
	if b.bar != nil {
		_ = b.bar.Set64(int64(n))
	}
}

// Describe updates the progress bar description, typically to name the
// archive currently being loaded.
func (b *Bar) Describe(s fmt.Stringer) {
	if b.bar != nil {
		b.bar.Describe(s.String())
	}
}

// Finish completes the progress bar and prints a final summary line.
func (b *Bar) Finish(s fmt.Stringer) {
	if b.bar != nil {
		_ = b.bar.Finish()
		fmt.Fprintln(os.Stderr, "✔ "+s.String())
	}
}
