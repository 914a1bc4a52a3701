package task

import (
	"fmt"

	"github.com/adamwoolhether/datatask/credential"
	"github.com/adamwoolhether/datatask/download"
	"github.com/adamwoolhether/datatask/httpmsg"
)

// PolicyAction is the client's decision for a received response.
type PolicyAction int

const (
	// PolicyUse streams the body to the client.
	PolicyUse PolicyAction = iota
	// PolicyIgnore drops the response and releases the task.
	PolicyIgnore
	// PolicyDownload diverts the body to the pending download location.
	PolicyDownload
)

func (p PolicyAction) String() string {
	switch p {
	case PolicyUse:
		return "use"
	case PolicyIgnore:
		return "ignore"
	case PolicyDownload:
		return "download"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Disposition is the client's answer to an authentication challenge.
type Disposition int

const (
	// DispositionUseCredential retries with the supplied credential. An
	// empty credential behaves like DispositionPerformDefaultHandling.
	DispositionUseCredential Disposition = iota
	// DispositionPerformDefaultHandling continues without a credential;
	// the failure response is delivered as the final response.
	DispositionPerformDefaultHandling
	// DispositionRejectProtectionSpace behaves like default handling.
	DispositionRejectProtectionSpace
	// DispositionCancel cancels the task with ErrCancelled.
	DispositionCancel
)

func (d Disposition) String() string {
	switch d {
	case DispositionUseCredential:
		return "use-credential"
	case DispositionPerformDefaultHandling:
		return "default"
	case DispositionRejectProtectionSpace:
		return "reject"
	case DispositionCancel:
		return "cancel"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// AuthChallenge is what a client sees of an authentication challenge.
type AuthChallenge struct {
	Space                credential.ProtectionSpace
	PreviousFailureCount int
	FailureResponse      *httpmsg.Response
	// ProposedCredential is the credential found in persistent storage
	// for Space, if any.
	ProposedCredential credential.Credential
}

// Client receives a task's notifications. Every method is called on the
// session's loop goroutine and must not block. The continuations passed
// to DidReceiveResponse, DidReceiveChallenge and WillPerformHTTPRedirection
// may be called from any goroutine, at most once; later calls are ignored.
type Client interface {
	DidReceiveResponse(t *Task, resp *httpmsg.Response, decide func(PolicyAction))
	DidReceiveData(t *Task, data []byte)
	DidSendData(t *Task, sent, total int64)
	DidReceiveChallenge(t *Task, ch *AuthChallenge, respond func(Disposition, credential.Credential))
	// WillPerformHTTPRedirection proposes req as the next request. Calling
	// decide with nil vetoes the redirect.
	WillPerformHTTPRedirection(t *Task, resp *httpmsg.Response, req *httpmsg.Request, decide func(*httpmsg.Request))
	// DidCompleteWithError reports the end of the task; err is nil on success.
	// It is not called for tasks that became downloads.
	DidCompleteWithError(t *Task, err error)
}

// DownloadObserver is an optional Client extension notified when a task
// hands its body over to a download record.
type DownloadObserver interface {
	DidBecomeDownload(t *Task, d *download.Download)
}

// ClientFuncs adapts plain funcs to a Client. A nil func falls back to a
// default: responses are used, challenges get default handling and
// redirects are followed as proposed.
type ClientFuncs struct {
	Response       func(t *Task, resp *httpmsg.Response, decide func(PolicyAction))
	Data           func(t *Task, data []byte)
	SentData       func(t *Task, sent, total int64)
	Challenge      func(t *Task, ch *AuthChallenge, respond func(Disposition, credential.Credential))
	Redirect       func(t *Task, resp *httpmsg.Response, req *httpmsg.Request, decide func(*httpmsg.Request))
	Complete       func(t *Task, err error)
	BecameDownload func(t *Task, d *download.Download)
}

func (c ClientFuncs) DidReceiveResponse(t *Task, resp *httpmsg.Response, decide func(PolicyAction)) {
	if c.Response == nil {
		decide(PolicyUse)
		return
	}
	c.Response(t, resp, decide)
}

func (c ClientFuncs) DidReceiveData(t *Task, data []byte) {
	if c.Data != nil {
		c.Data(t, data)
	}
}

func (c ClientFuncs) DidSendData(t *Task, sent, total int64) {
	if c.SentData != nil {
		c.SentData(t, sent, total)
	}
}

func (c ClientFuncs) DidReceiveChallenge(t *Task, ch *AuthChallenge, respond func(Disposition, credential.Credential)) {
	if c.Challenge == nil {
		respond(DispositionPerformDefaultHandling, credential.Credential{})
		return
	}
	c.Challenge(t, ch, respond)
}

func (c ClientFuncs) WillPerformHTTPRedirection(t *Task, resp *httpmsg.Response, req *httpmsg.Request, decide func(*httpmsg.Request)) {
	if c.Redirect == nil {
		decide(req)
		return
	}
	c.Redirect(t, resp, req, decide)
}

func (c ClientFuncs) DidCompleteWithError(t *Task, err error) {
	if c.Complete != nil {
		c.Complete(t, err)
	}
}

func (c ClientFuncs) DidBecomeDownload(t *Task, d *download.Download) {
	if c.BecameDownload != nil {
		c.BecameDownload(t, d)
	}
}
