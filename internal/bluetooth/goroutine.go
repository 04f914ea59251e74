package bluetooth

import (
	"context"
	"runtime/pprof"
)

// GoNamed starts a goroutine carrying a pprof label, so helper goroutines
// (signal pumps, socket pumps) are identifiable in profiles and stack dumps.
func GoNamed(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	go pprof.Do(parent, pprof.Labels("goroutine_name", name), fn)
}
