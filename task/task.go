package task

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/datatask/credential"
	"github.com/adamwoolhether/datatask/download"
	"github.com/adamwoolhether/datatask/httpmsg"
	"github.com/adamwoolhether/datatask/loop"
	"github.com/adamwoolhether/datatask/transport"
)

const (
	readBufferSize = 8192
	maxRedirects   = 20
)

// State is where a task is in its lifecycle.
type State int32

const (
	StateRunning State = iota
	StateSuspended
	StateCanceling
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateCanceling:
		return "canceling"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// completion is the result of one asynchronous operation, delivered on
// the loop. drop releases the result when it will never be run.
type completion struct {
	run  func()
	drop func()
}

// Task is one HTTP(S) exchange. Its exported methods may be called from any
// goroutine; everything else runs on the session's loop.
type Task struct {
	id      uuid.UUID
	session *Session
	client  Client
	logger  *slog.Logger
	opts    taskOptions

	// state is written on the loop, except for the move to StateCanceling
	// which Cancel makes synchronously.
	state atomic.Int32

	ctx       context.Context
	cancelAll context.CancelFunc
	span      trace.Span

	originalRequest *httpmsg.Request
	currentRequest  *httpmsg.Request
	response        *httpmsg.Response

	user              string
	password          string
	initialCredential credential.Credential
	staged            stagedCredential
	redirectCount     int

	message   *transport.Message
	sub       *transport.Subscription
	msgCtx    context.Context
	msgCancel context.CancelFunc
	sent      bool
	stream    *transport.Stream
	multipart *transport.MultipartStream
	readBuf   []byte
	bodySent  int64

	// outstanding is set while an asynchronous operation runs; at most one does.
	outstanding bool
	pending     *completion

	scheduledFailure error
	failurePosted    bool

	pendingDownloadLocation string
	pendingDownloadID       uuid.UUID
	allowOverwrite          bool
	writer                  *download.Writer
	download                *download.Download

	startTime time.Time
	timing    httpmsg.Timing
	timeout   *loop.Timer
	cleared   bool
}

func newTask(s *Session, client Client, opts taskOptions) *Task {
	t := &Task{
		id:      uuid.New(),
		session: s,
		client:  client,
		opts:    opts,
	}
	t.logger = s.logger.With("task", t.id)
	t.state.Store(int32(StateSuspended))
	t.ctx, t.cancelAll = context.WithCancel(context.Background())

	return t
}

// ID returns the task id.
func (t *Task) ID() uuid.UUID { return t.id }

// State returns the current state.
func (t *Task) State() State { return State(t.state.Load()) }

// OriginalRequest returns a copy of the request the task was created with.
func (t *Task) OriginalRequest() *httpmsg.Request { return t.originalRequest.Clone() }

// Resume starts or continues the task. It does nothing while running or
// once canceled.
func (t *Task) Resume() { t.session.loop.Post(t.resume) }

// Suspend pauses the task between two asynchronous steps. An operation
// already in flight completes, and its result is held until Resume.
func (t *Task) Suspend() { t.session.loop.Post(t.suspend) }

// Cancel stops the task. The state moves to StateCanceling before Cancel
// returns; in-flight operations are aborted and a download in progress
// has its files deleted. The client is not notified. Safe to call more
// than once.
func (t *Task) Cancel() {
	if !t.markCanceling() {
		return
	}
	t.cancelAll()
	t.session.loop.Post(func() { t.didCancel(t.newError(ErrCancelled, nil)) })
}

// InvalidateAndCancel cancels the task and releases all its resources.
// It is used when the client goes away.
func (t *Task) InvalidateAndCancel() {
	t.Cancel()
	t.session.loop.Post(t.clearRequest)
}

// SetPendingDownloadLocation designates where the body is written if the
// client answers a response with PolicyDownload. A nil id is replaced by
// a fresh one; the id the download will be registered under is returned.
// Once set, failures are reported as download failures.
func (t *Task) SetPendingDownloadLocation(path string, id uuid.UUID, allowOverwrite bool) uuid.UUID {
	if id == uuid.Nil {
		id = uuid.New()
	}
	t.session.loop.Post(func() {
		t.pendingDownloadLocation = path
		t.pendingDownloadID = id
		t.allowOverwrite = allowOverwrite
	})

	return id
}

func (t *Task) markCanceling() bool {
	for {
		s := t.state.Load()
		if s == int32(StateCanceling) || s == int32(StateCompleted) {
			return false
		}
		if t.state.CompareAndSwap(s, int32(StateCanceling)) {
			return true
		}
	}
}

func (t *Task) isTerminating() bool {
	s := t.State()
	return s == StateCanceling || s == StateCompleted
}

func (t *Task) isDownload() bool { return t.pendingDownloadID != uuid.Nil }

// create prepares the first request. A scheduled failure is only
// delivered once the task is resumed.
func (t *Task) create() {
	req := t.originalRequest

	if err := ValidateURL(req.URL); err != nil {
		t.scheduleFailure(t.newError(ErrInvalidURL, err))
		return
	}

	r := req.Clone()
	t.startTime = t.now()

	if t.opts.storedCredentials {
		t.user, t.password = userInfo(r.URL)
		r.RemoveCredentials()

		if t.user == "" && t.password == "" {
			t.initialCredential = t.session.credentials.GetForURL(r.URL)
		} else {
			t.session.credentials.SetForURL(credential.Credential{User: t.user, Password: t.password}, r.URL)
		}
	}
	t.applyAuthentication(r)
	t.createRequest(r)
}

// applyAuthentication moves the task-held credentials into r's URL, where
// the transport answers the first challenge with them.
func (t *Task) applyAuthentication(r *httpmsg.Request) {
	if t.user == "" && t.password == "" {
		return
	}
	r.URL.User = url.UserPassword(t.user, t.password)
	t.user, t.password = "", ""
}

func (t *Task) resume() {
	if t.State() != StateSuspended {
		return
	}
	if !t.state.CompareAndSwap(int32(StateSuspended), int32(StateRunning)) {
		return
	}

	if t.scheduledFailure != nil {
		t.postFailure()
		return
	}

	t.startTimeout()

	if t.message != nil && !t.sent {
		t.send()
		return
	}

	if p := t.pending; p != nil {
		t.pending = nil
		p.run()
	}
}

func (t *Task) suspend() {
	if t.state.CompareAndSwap(int32(StateRunning), int32(StateSuspended)) {
		t.stopTimeout()
	}
}

// cancel is Cancel for code already on the loop.
func (t *Task) cancel(reason error) {
	if !t.markCanceling() {
		return
	}
	t.cancelAll()
	t.didCancel(reason)
}

func (t *Task) didCancel(reason error) {
	t.logger.Debug("task canceled")

	if t.writer != nil {
		t.cleanDownloadFiles()
		// A Finish that already published reports the outcome itself.
		if t.download != nil && !t.writer.Published() {
			t.download.DidFail(reason)
		}
	}

	// With nothing in flight, no completion will arrive to release the task.
	if !t.outstanding && t.State() == StateCanceling {
		t.clearRequest()
	}
}

func (t *Task) invalidateAndCancel(reason error) {
	t.cancel(reason)
	t.clearRequest()
}

// clearRequest moves the task to StateCompleted and releases everything it
// holds. Only the first call has an effect.
func (t *Task) clearRequest() {
	if t.cleared {
		return
	}
	t.cleared = true
	t.state.Store(int32(StateCompleted))

	t.releaseResources()
	t.cancelAll()
	t.span.End()
	t.session.unregister(t)
}

// releaseResources drops the current exchange without changing state. A
// stream with an operation in flight is closed when that operation returns.
func (t *Task) releaseResources() {
	t.stopTimeout()

	if p := t.pending; p != nil {
		t.pending = nil
		if p.drop != nil {
			p.drop()
		}
	}

	t.sub.Release()
	t.sub = nil
	if t.msgCancel != nil {
		t.msgCancel()
		t.msgCtx, t.msgCancel = nil, nil
	}
	t.message = nil

	if !t.outstanding {
		t.closeStreams()
	}
}

func (t *Task) closeStreams() {
	if t.stream != nil {
		if err := t.stream.Close(); err != nil {
			t.logger.Debug("closing stream", "error", err)
		}
		t.stream = nil
	}
	if t.multipart != nil {
		if err := t.multipart.Close(); err != nil {
			t.logger.Debug("closing multipart stream", "error", err)
		}
		t.multipart = nil
	}
}

// post delivers c on the loop once the operation it belongs to returns.
// A task that was canceled meanwhile releases itself instead, and a
// suspended task holds c until it is resumed.
func (t *Task) post(c completion) {
	t.session.loop.Post(func() {
		t.outstanding = false

		switch t.State() {
		case StateCanceling, StateCompleted:
			if c.drop != nil {
				c.drop()
			}
			t.clearRequest()
			t.closeStreams()
			return
		case StateSuspended:
			if t.pending != nil {
				t.logger.Error("dropping completion: one is already pending")
				if c.drop != nil {
					c.drop()
				}
				return
			}
			t.pending = &c
			return
		}

		c.run()
	})
}

// begin marks the start of an asynchronous operation.
func (t *Task) begin() {
	if t.outstanding {
		t.logger.Error("starting an operation while another is in flight")
	}
	t.outstanding = true
}

func (t *Task) scheduleFailure(err error) {
	t.scheduledFailure = err
	if t.State() == StateRunning {
		t.postFailure()
	}
}

func (t *Task) postFailure() {
	if t.failurePosted {
		return
	}
	t.failurePosted = true
	t.session.loop.Post(t.failureFired)
}

func (t *Task) failureFired() {
	if t.isTerminating() {
		t.clearRequest()
		return
	}
	t.finish(t.scheduledFailure)
}

func (t *Task) startTimeout() {
	if t.originalRequest.Timeout <= 0 {
		return
	}
	t.timeout.Stop()
	t.timeout = t.session.loop.AfterFunc(t.originalRequest.Timeout, t.timeoutFired)
}

func (t *Task) stopTimeout() {
	t.timeout.Stop()
	t.timeout = nil
}

func (t *Task) timeoutFired() {
	if t.isTerminating() {
		t.clearRequest()
		return
	}

	err := t.newError(ErrTimeout, nil)
	downloading := t.download != nil
	t.recordError(err)
	t.invalidateAndCancel(err)
	if !downloading {
		t.client.DidCompleteWithError(t, err)
	}
}

// didFail funnels every failure of the exchange. With a download pending
// it becomes a download failure.
func (t *Task) didFail(err error) {
	if t.isDownload() {
		var status int
		if t.response != nil {
			status = t.response.StatusCode
		}
		t.didFailDownload(&Error{Err: ErrDownloadNetwork, URL: t.currentURL(), StatusCode: status, Cause: err})
		return
	}

	t.finish(err)
}

// finish releases the task and reports err, nil on success, to the client.
func (t *Task) finish(err error) {
	t.recordError(err)
	t.clearRequest()
	t.client.DidCompleteWithError(t, err)
}

func (t *Task) recordError(err error) {
	if err == nil || t.cleared {
		return
	}
	t.span.RecordError(err)
	t.span.SetStatus(codes.Error, err.Error())
}

func (t *Task) newError(kind, cause error) *Error {
	return &Error{Err: kind, URL: t.currentURL(), Cause: cause}
}

func (t *Task) currentURL() string {
	switch {
	case t.currentRequest != nil && t.currentRequest.URL != nil:
		return t.currentRequest.URL.Redacted()
	case t.originalRequest != nil && t.originalRequest.URL != nil:
		return t.originalRequest.URL.Redacted()
	default:
		return ""
	}
}

func (t *Task) now() time.Time { return t.session.loop.Clock().Now() }

func (t *Task) sinceStart() time.Duration { return t.now().Sub(t.startTime) }

func userInfo(u *url.URL) (string, string) {
	if u == nil || u.User == nil {
		return "", ""
	}
	pass, _ := u.User.Password()

	return u.User.Username(), pass
}

// onLoop wraps a client continuation so that it runs on the loop, once.
func onLoop[T any](t *Task, fn func(T)) func(T) {
	var once sync.Once
	return func(v T) {
		once.Do(func() {
			t.session.loop.Post(func() { fn(v) })
		})
	}
}

func onLoop2[A, B any](t *Task, fn func(A, B)) func(A, B) {
	var once sync.Once
	return func(a A, b B) {
		once.Do(func() {
			t.session.loop.Post(func() { fn(a, b) })
		})
	}
}
