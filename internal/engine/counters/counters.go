// Package counters implements per-subject tumbling-window event counters.
//
// A counter tracks one metric (e.g. "msg", "join") per subject in fixed,
// non-overlapping time buckets: window index = floor(unix_nanos / window).
// Recording into a stale bucket resets the count to 1 for the new bucket.
package counters

import (
	"context"
	"fmt"
	"time"
)

// Store is the window tracker used by rate rules.
//
// Contract:
//   - Record counts the event and returns the count for the window that
//     contains ts (including this event).
//   - Peek returns the count for the window containing ts without mutating.
//   - Both are safe for concurrent use across subjects.
type Store interface {
	Record(ctx context.Context, subject, metric string, ts time.Time) (int, error)
	Peek(ctx context.Context, subject, metric string, ts time.Time) (int, error)
}

// Windows maps metric names to their tumbling window sizes.
type Windows map[string]time.Duration

// Validate rejects empty metric names and non-positive window sizes.
// Invalid window configuration is a startup error, never a runtime one.
func (w Windows) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("counters: at least one metric window is required")
	}
	for metric, size := range w {
		if metric == "" {
			return fmt.Errorf("counters: empty metric name")
		}
		if size <= 0 {
			return fmt.Errorf("counters: metric %q: window size must be positive, got %v", metric, size)
		}
	}
	return nil
}

func (w Windows) lookup(metric string) (time.Duration, error) {
	size, ok := w[metric]
	if !ok {
		return 0, fmt.Errorf("counters: unknown metric %q", metric)
	}
	return size, nil
}

// windowIndex computes the tumbling bucket for ts.
func windowIndex(ts time.Time, size time.Duration) int64 {
	return ts.UnixNano() / int64(size)
}
