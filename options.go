package vsqpack

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"runtime"

	"github.com/woozymasta/pathrules"
)

const (
	defaultResolveCacheSize = 1024

	// DefaultHandleBase is the first identifier of the reserved handle range.
	// Kernel handles are small multiples of four, so the high half of the
	// 64-bit space never collides with them.
	DefaultHandleBase uint64 = 0x7E00_0000_0000_0000

	// DefaultHandleSpan is the number of identifiers in the reserved range.
	DefaultHandleSpan uint64 = 1 << 32
)

// Options configures package discovery, caching and handle allocation.
// The zero value is valid; every unset field receives a default.
type Options struct {
	// Logger receives diagnostic messages. Nil discards them.
	Logger *slog.Logger

	// Rules filters override discovery by archive-relative path. An empty
	// rule set registers every file under the override root.
	Rules []pathrules.Rule

	// MatcherOptions controls rule evaluation. DefaultAction defaults to
	// include so that a list of exclude rules works on its own.
	MatcherOptions pathrules.MatcherOptions

	// OpenFileCacheSize bounds how many override files stay open between
	// reads. Defaults to 64.
	OpenFileCacheSize int

	// ResolveCacheSize bounds the number of remembered path resolutions.
	// Defaults to 1024.
	ResolveCacheSize int

	// LoadWorkers bounds how many base archives are loaded concurrently
	// during discovery. Defaults to GOMAXPROCS.
	LoadWorkers int

	// HandleBase and HandleSpan define the reserved identifier range
	// [HandleBase, HandleBase+HandleSpan) for virtual handles.
	HandleBase uint64
	HandleSpan uint64
}

// applyDefaults fills unset fields.
func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.MatcherOptions.DefaultAction == pathrules.ActionUnknown {
		o.MatcherOptions.DefaultAction = pathrules.ActionInclude
	}
	if o.OpenFileCacheSize <= 0 {
		o.OpenFileCacheSize = defaultOpenFileCacheSize
	}
	if o.ResolveCacheSize <= 0 {
		o.ResolveCacheSize = defaultResolveCacheSize
	}
	if o.LoadWorkers <= 0 {
		o.LoadWorkers = runtime.GOMAXPROCS(0)
	}
	if o.HandleBase == 0 && o.HandleSpan == 0 {
		o.HandleBase = DefaultHandleBase
		o.HandleSpan = DefaultHandleSpan
	}
}

// validateHandleRange rejects ranges that are empty, wrap around, or
// contain 0 or the all-ones value hosts use as the invalid handle.
func validateHandleRange(base, span uint64) error {
	switch {
	case span == 0:
		return fmt.Errorf("%w: empty", ErrInvalidHandleRange)
	case base == 0:
		return fmt.Errorf("%w: contains 0", ErrInvalidHandleRange)
	case span > math.MaxUint64-base:
		// The last usable identifier must stay below the all-ones value.
		return fmt.Errorf("%w: %#x+%#x reaches the invalid handle value", ErrInvalidHandleRange, base, span)
	}
	return nil
}
