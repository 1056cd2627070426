// Package logging centralizes the process-wide verbose flag the matching
// pipeline's internal packages check before emitting progress lines, the
// same configure-once-globally shape as the plain `log` calls scattered
// through this codebase's cmd/ entry points.
package logging

import (
	"log"
	"sync"
)

var (
	mu      sync.Mutex
	verbose bool
)

// SetVerbose toggles whether Debugf lines are emitted. Safe to call from
// cmd/ main() before any matching run starts; library code never calls it.
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = v
}

// Verbose reports the current verbosity setting.
func Verbose() bool {
	mu.Lock()
	defer mu.Unlock()
	return verbose
}

// Debugf logs via the standard logger iff verbose output is enabled. The
// matcher reports its pipeline progress through this instead of calling
// log.Printf directly, and the other core packages do not log at all, so the
// engine itself produces no output unless a caller opts in.
func Debugf(format string, args ...interface{}) {
	mu.Lock()
	v := verbose
	mu.Unlock()
	if v {
		log.Printf(format, args...)
	}
}
