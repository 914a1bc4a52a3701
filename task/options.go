package task

import (
	"errors"
	"log/slog"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/datatask/credential"
	"github.com/adamwoolhether/datatask/download"
	"github.com/adamwoolhether/datatask/transport"
)

// Option is a functional option for configuring a [Session] via [NewSession].
type Option func(*options) error

type options struct {
	logger      *slog.Logger
	tracer      trace.Tracer
	clock       clock.Clock
	transport   *transport.Session
	transOpts   []transport.Option
	credentials *credential.Store
	persistent  credential.PersistentStorage
	downloads   *download.Manager
	suffix      string
}

// WithLogger injects a custom [slog.Logger].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		o.logger = logger
		return nil
	}
}

// WithTracer records a span per task. The default tracer is a no-op.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) error {
		if tracer == nil {
			return errors.New("tracer must not be nil")
		}
		o.tracer = tracer
		return nil
	}
}

// WithClock sets the clock timeouts and timing marks are measured
// against, e.g. clock.NewMock() in tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) error {
		if c == nil {
			return errors.New("clock must not be nil")
		}
		o.clock = c
		return nil
	}
}

// WithTransport uses an existing transport session. It cannot be combined
// with WithTransportOptions.
func WithTransport(ts *transport.Session) Option {
	return func(o *options) error {
		if ts == nil {
			return errors.New("transport must not be nil")
		}
		if len(o.transOpts) > 0 {
			return errors.New("WithTransport cannot be combined with WithTransportOptions")
		}
		o.transport = ts
		return nil
	}
}

// WithTransportOptions configures the transport session the Session builds.
func WithTransportOptions(optFns ...transport.Option) Option {
	return func(o *options) error {
		if o.transport != nil {
			return errors.New("WithTransportOptions cannot be combined with WithTransport")
		}
		o.transOpts = append(o.transOpts, optFns...)
		return nil
	}
}

// WithCredentialStore shares a session credential store between sessions.
func WithCredentialStore(store *credential.Store) Option {
	return func(o *options) error {
		if store == nil {
			return errors.New("credential store must not be nil")
		}
		o.credentials = store
		return nil
	}
}

// WithPersistentStorage enables permanent credentials.
func WithPersistentStorage(ps credential.PersistentStorage) Option {
	return func(o *options) error {
		if ps == nil {
			return errors.New("persistent storage must not be nil")
		}
		o.persistent = ps
		return nil
	}
}

// WithDownloadManager sets the manager downloads are registered with.
func WithDownloadManager(m *download.Manager) Option {
	return func(o *options) error {
		if m == nil {
			return errors.New("download manager must not be nil")
		}
		o.downloads = m
		return nil
	}
}

// WithDownloadSuffix sets the suffix of intermediate download files.
func WithDownloadSuffix(suffix string) Option {
	return func(o *options) error {
		if suffix == "" || suffix == "." {
			return errors.New("download suffix must not be empty")
		}
		o.suffix = suffix
		return nil
	}
}

// TaskOption configures a single [Task] created with [Session.NewTask].
type TaskOption func(*taskOptions) error

type taskOptions struct {
	storedCredentials bool
	sniffContent      bool
	clearReferrer     bool
	running           bool
}

func defaultTaskOptions() taskOptions {
	return taskOptions{
		storedCredentials: true,
		clearReferrer:     true,
	}
}

// WithoutStoredCredentials keeps the task from reading or writing the
// credential stores. Without credentials in the URL, authentication
// challenges are then not raised at all.
func WithoutStoredCredentials() TaskOption {
	return func(o *taskOptions) error {
		o.storedCredentials = false
		return nil
	}
}

// WithContentSniffing replaces a missing or generic Content-Type with one
// detected from the body.
func WithContentSniffing() TaskOption {
	return func(o *taskOptions) error {
		o.sniffContent = true
		return nil
	}
}

// WithReferrerOnHTTPSToHTTPRedirect keeps the Referer header when a
// redirect leaves https for http.
func WithReferrerOnHTTPSToHTTPRedirect() TaskOption {
	return func(o *taskOptions) error {
		o.clearReferrer = false
		return nil
	}
}

// WithStartRunning resumes the task right after creation. Tasks are
// otherwise created suspended.
func WithStartRunning() TaskOption {
	return func(o *taskOptions) error {
		o.running = true
		return nil
	}
}
