package loop

import (
	"log/slog"

	"github.com/benbjohnson/clock"
)

// Option configures a [Loop] created with [New].
type Option func(*options)

type options struct {
	clock  clock.Clock
	logger *slog.Logger
}

// WithClock replaces the wall clock used for timers, e.g. with clock.NewMock() in tests.
func WithClock(c clock.Clock) Option {
	return func(opts *options) {
		opts.clock = c
	}
}

// WithLogger injects a custom [slog.Logger].
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}
