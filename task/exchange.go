package task

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/datatask/httpmsg"
	"github.com/adamwoolhether/datatask/transport"
)

// createRequest builds the message for r and subscribes to its events. The
// message is sent by resume, or right away by a redirect on a running task.
func (t *Task) createRequest(r *httpmsg.Request) {
	t.currentRequest = r

	flags := transport.Flags{
		SniffContent:          t.opts.sniffContent,
		DisableAuthentication: r.URL.User == nil && !t.opts.storedCredentials,
	}
	m, err := t.session.transport.NewMessage(r, flags)
	if err != nil {
		t.scheduleFailure(t.newError(ErrInvalidURL, err))
		return
	}

	t.message = m
	t.sent = false
	t.msgCtx, t.msgCancel = context.WithCancel(t.ctx)
	t.timing = httpmsg.Timing{}
	t.bodySent = 0
	t.sub = m.Subscribe(t.events(m))
}

func (t *Task) send() {
	m := t.message
	t.sent = true
	t.begin()

	t.logger.Debug("sending request", "method", m.Method(), "url", m.URL().Redacted())

	m.Send(t.msgCtx, func(stream *transport.Stream, err error) {
		t.post(completion{
			run: func() { t.didSendRequest(stream, err) },
			drop: func() {
				if stream != nil {
					_ = stream.Close()
				}
			},
		})
	})
}

// events routes a message's notifications to the loop. Notifications for a
// message the task has moved on from are dropped.
func (t *Task) events(m *transport.Message) transport.Events {
	on := func(fn func()) {
		t.session.loop.Post(func() {
			if t.message != m {
				return
			}
			if t.isTerminating() {
				t.clearRequest()
				return
			}
			fn()
		})
	}

	return transport.Events{
		Starting: func() {
			on(func() { t.timing.RequestStart = t.sinceStart() })
		},
		Restarted: func() {
			on(func() { t.startTime = t.now() })
		},
		Network: func(ev transport.NetworkEvent) {
			on(func() { t.networkEvent(ev) })
		},
		TLSErrors: func(err error) {
			on(func() {
				e := t.newError(ErrTransport, err)
				t.recordError(e)
				t.invalidateAndCancel(e)
				t.client.DidCompleteWithError(t, e)
			})
		},
		GotHeaders: func(status int) {
			on(func() { t.didGetHeaders(status) })
		},
		WroteBodyData: func(n, total int64) {
			on(func() {
				t.bodySent += n
				t.client.DidSendData(t, t.bodySent, total)
			})
		},
		Authenticate: func(ch *transport.Challenge) {
			posted := t.session.loop.Post(func() {
				if t.message != m {
					ch.Unpause()
					return
				}
				if t.isTerminating() {
					ch.Unpause()
					t.clearRequest()
					return
				}
				t.authenticate(ch)
			})
			if !posted {
				ch.Unpause()
			}
		},
	}
}

func (t *Task) networkEvent(ev transport.NetworkEvent) {
	d := t.sinceStart()
	switch ev {
	case transport.EventResolving:
		t.timing.DomainLookupStart = d
	case transport.EventResolved:
		t.timing.DomainLookupEnd = d
	case transport.EventConnecting:
		t.timing.ConnectStart = d
	case transport.EventTLSHandshaking:
		t.timing.SecureConnectionStart = d
	case transport.EventComplete:
		t.timing.ConnectEnd = d
	}
}

func (t *Task) didSendRequest(stream *transport.Stream, err error) {
	if err != nil {
		t.didFail(t.newError(ErrTransport, err))
		return
	}

	t.timing.ResponseStart = t.sinceStart()
	t.response = stream.Response().Clone()
	t.response.Timing = t.timing

	t.span.SetAttributes(attribute.Int("http.response.status_code", t.response.StatusCode))

	if t.shouldStartHTTPRedirection() {
		t.stream = stream
		t.skipForRedirection()
		return
	}

	t.stream = stream
	if t.response.IsMultipart() {
		mp, err := transport.NewMultipartStream(stream)
		if err == nil {
			// The enclosing response is never shown to the client, only its parts.
			t.multipart = mp
			t.stream = nil
			t.requestNextPart()
			return
		}
		t.logger.Debug("multipart response without boundary, reading as a single body", "error", err)
	}

	t.didReceiveResponse()
}

// didReceiveResponse hands t.response to the client and waits for its
// decision.
func (t *Task) didReceiveResponse() {
	resp := t.response.Clone()

	t.client.DidReceiveResponse(t, resp, onLoop(t, func(action PolicyAction) {
		if t.isTerminating() {
			t.clearRequest()
			return
		}

		t.logger.Debug("response policy", "status", resp.StatusCode, "action", action)

		switch action {
		case PolicyUse:
			if t.stream == nil {
				t.logger.Error("response policy without a body to read")
				t.finish(nil)
				return
			}
			t.read()
		case PolicyIgnore:
			t.clearRequest()
		case PolicyDownload:
			t.startDownload()
		default:
			t.logger.Error("unknown response policy", "action", action)
			t.clearRequest()
		}
	}))
}

func (t *Task) read() {
	if t.readBuf == nil {
		t.readBuf = make([]byte, readBufferSize)
	}
	buf := t.readBuf

	t.begin()
	t.stream.Read(buf, func(n int, err error) {
		t.post(completion{run: func() {
			switch {
			case err != nil:
				t.didFail(t.newError(ErrTransport, err))
			case n > 0:
				t.didRead(buf[:n])
			default:
				t.didFinishRead()
			}
		}})
	})
}

func (t *Task) didRead(data []byte) {
	if t.writer != nil {
		t.writeDownload(data)
		return
	}

	t.client.DidReceiveData(t, append([]byte(nil), data...))

	// The client may have canceled the task from DidReceiveData.
	if t.isTerminating() {
		t.clearRequest()
		return
	}
	t.read()
}

func (t *Task) didFinishRead() {
	if err := t.stream.Close(); err != nil {
		t.logger.Debug("closing stream", "error", err)
	}
	t.stream = nil

	switch {
	case t.writer != nil:
		t.didFinishDownload()
	case t.multipart != nil:
		t.requestNextPart()
	default:
		t.finish(nil)
	}
}

func (t *Task) requestNextPart() {
	t.begin()
	t.multipart.NextPart(func(part *transport.Stream, err error) {
		t.post(completion{
			run: func() {
				switch {
				case err != nil:
					t.didFail(t.newError(ErrTransport, err))
				case part != nil:
					t.didRequestNextPart(part)
				default:
					t.didFinishRequestNextPart()
				}
			},
			drop: func() {
				if part != nil {
					_ = part.Close()
				}
			},
		})
	})
}

func (t *Task) didRequestNextPart(part *transport.Stream) {
	t.stream = part
	t.response = part.Response().Clone()
	// Parts carry no URL of their own; they report the one first requested.
	if u := t.originalRequest.URL; u != nil {
		cpy := *u
		cpy.User = nil
		t.response.URL = &cpy
	}

	t.span.AddEvent("multipart.part", trace.WithAttributes(attribute.String("content_type", t.response.MIMEType)))

	t.didReceiveResponse()
}

func (t *Task) didFinishRequestNextPart() {
	if err := t.multipart.Close(); err != nil {
		t.logger.Debug("closing multipart stream", "error", err)
	}
	t.multipart = nil
	t.finish(nil)
}

// didGetHeaders runs for every status line, including the ones answered by
// authentication.
func (t *Task) didGetHeaders(status int) {
	if isAuthFailure(status) || status >= http.StatusInternalServerError {
		return
	}
	t.flushStagedCredential()
}
