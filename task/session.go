// Package task drives HTTP(S) data tasks: one request's lifecycle from the
// first send through redirects, authentication, streaming or multipart
// delivery, and optional download to disk. Every task of a Session is
// driven by the Session's loop, so task state is never shared between
// goroutines.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/adamwoolhether/datatask/credential"
	"github.com/adamwoolhether/datatask/download"
	"github.com/adamwoolhether/datatask/httpmsg"
	"github.com/adamwoolhether/datatask/loop"
	"github.com/adamwoolhether/datatask/transport"
)

// Session owns the loop, the transport and the stores shared by its tasks.
type Session struct {
	loop        *loop.Loop
	transport   *transport.Session
	credentials *credential.Store
	persistent  credential.PersistentStorage
	downloads   *download.Manager
	logger      *slog.Logger
	tracer      trace.Tracer
	suffix      string

	mu     sync.Mutex
	tasks  map[uuid.UUID]*Task
	closed bool
}

// NewSession builds a Session. Nothing runs until Run is called.
func NewSession(optFns ...Option) (*Session, error) {
	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	s := &Session{
		logger:      slog.Default(),
		tracer:      noop.NewTracerProvider().Tracer(""),
		credentials: opts.credentials,
		persistent:  opts.persistent,
		downloads:   opts.downloads,
		suffix:      opts.suffix,
		tasks:       make(map[uuid.UUID]*Task),
	}
	if opts.logger != nil {
		s.logger = opts.logger
	}
	if opts.tracer != nil {
		s.tracer = opts.tracer
	}
	if s.credentials == nil {
		s.credentials = credential.NewStore()
	}
	if s.suffix == "" {
		s.suffix = download.DefaultSuffix
	}

	loopOpts := []loop.Option{loop.WithLogger(s.logger)}
	if opts.clock != nil {
		loopOpts = append(loopOpts, loop.WithClock(opts.clock))
	}
	s.loop = loop.New(loopOpts...)

	s.transport = opts.transport
	if s.transport == nil {
		ts, err := transport.NewSession(append([]transport.Option{transport.WithLogger(s.logger)}, opts.transOpts...)...)
		if err != nil {
			return nil, fmt.Errorf("building transport: %w", err)
		}
		s.transport = ts
	}

	if s.downloads == nil {
		m, err := download.NewManager(download.WithLogger(s.logger), download.WithClock(s.loop.Clock()))
		if err != nil {
			return nil, fmt.Errorf("building download manager: %w", err)
		}
		s.downloads = m
	}

	return s, nil
}

// Run drives the session's tasks until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	err := s.loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.loop.Done() }

// Post runs fn on the session's loop, where task callbacks run.
func (s *Session) Post(fn func()) bool { return s.loop.Post(fn) }

// Credentials returns the session credential store.
func (s *Session) Credentials() *credential.Store { return s.credentials }

// Downloads returns the manager downloads are registered with.
func (s *Session) Downloads() *download.Manager { return s.downloads }

// NewTask creates a task for req reporting to client. The task is created
// suspended unless WithStartRunning is given. A request with an unusable
// URL still yields a task; it fails with ErrInvalidURL once resumed.
func (s *Session) NewTask(req *httpmsg.Request, client Client, optFns ...TaskOption) (*Task, error) {
	if req == nil {
		return nil, errors.New("request must not be nil")
	}
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if err := Validate(req); err != nil {
		return nil, fmt.Errorf("validating request: %w", err)
	}

	opts := defaultTaskOptions()
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying task option: %w", err)
		}
	}

	t := newTask(s, client, opts)
	t.originalRequest = req.Clone()

	var rawURL string
	if req.URL != nil {
		rawURL = req.URL.Redacted()
	}
	t.ctx, t.span = s.tracer.Start(t.ctx, "datatask",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("datatask.id", t.id.String()),
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", rawURL),
		),
	)

	if err := s.register(t); err != nil {
		t.span.End()
		t.cancelAll()
		return nil, err
	}

	// The loop owns every field create touches, so a concurrent Close
	// cannot interleave with it.
	posted := s.loop.Post(func() {
		if t.isTerminating() {
			t.clearRequest()
			return
		}
		t.create()
		if opts.running {
			t.resume()
		}
	})
	if !posted {
		s.unregister(t)
		t.span.End()
		t.cancelAll()
		return nil, ErrSessionClosed
	}

	return t, nil
}

// ActiveTasks returns the number of tasks that have not released their
// resources yet.
func (s *Session) ActiveTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tasks)
}

// Close invalidates and cancels every live task and refuses new ones.
// Clients are not notified.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.InvalidateAndCancel()
	}
	s.transport.CloseIdleConnections()
}

func (s *Session) register(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	s.tasks[t.id] = t

	return nil
}

func (s *Session) unregister(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tasks, t.id)
}
