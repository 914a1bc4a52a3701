package download

import (
	"errors"
	"log/slog"

	"github.com/benbjohnson/clock"
)

// Option defines optional settings for a [Manager].
//
// WithProgress enables download progress logging at most once per
// second of the manager's clock.
type Option func(*options) error

type options struct {
	logger   *slog.Logger
	clock    clock.Clock
	progress bool
}

// WithLogger injects a custom [slog.Logger].
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		opts.logger = logger
		return nil
	}
}

// WithClock sets the clock progress is measured against.
func WithClock(c clock.Clock) Option {
	return func(opts *options) error {
		if c == nil {
			return errors.New("clock must not be nil")
		}
		opts.clock = c
		return nil
	}
}

func WithProgress() Option {
	return func(opts *options) error {
		opts.progress = true
		return nil
	}
}
