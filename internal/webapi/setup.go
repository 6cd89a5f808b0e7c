package webapi

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/eventloop"
)

// SetupFunc installs one group of globals into a fresh runtime.
type SetupFunc func(rt core.JSRuntime, el *eventloop.EventLoop) error

// Defaults returns the globals every handler runtime gets, in install order.
// Timers come first because the Event polyfill reads performance.now.
func Defaults(log zerolog.Logger) []SetupFunc {
	return []SetupFunc{
		SetupTimers,
		SetupEncoding,
		SetupAbort,
		SetupConsole(log),
	}
}

// Install runs fns in order and stops at the first failure.
func Install(rt core.JSRuntime, el *eventloop.EventLoop, fns ...SetupFunc) error {
	for i, fn := range fns {
		if err := fn(rt, el); err != nil {
			return fmt.Errorf("setup %d: %w", i, err)
		}
	}
	return nil
}
