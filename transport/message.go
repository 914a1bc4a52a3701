package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/adamwoolhether/datatask/credential"
	"github.com/adamwoolhether/datatask/httpmsg"
)

var (
	// ErrUnsupportedURL is returned when a request URL cannot be sent.
	ErrUnsupportedURL = errors.New("unsupported url")
	// ErrAlreadySent is returned when Send is called twice on a message.
	ErrAlreadySent = errors.New("message already sent")
)

// maxDrainSize caps how much of a rejected 401/407 body is read before
// the connection is given up on.
const maxDrainSize = 64 << 10 // 64KB

// Flags tune how a message is sent.
type Flags struct {
	// SniffContent replaces a missing or generic Content-Type with one
	// detected from the first bytes of the body.
	SniffContent bool
	// DisableAuthentication delivers 401/407 responses as-is, without
	// raising a challenge.
	DisableAuthentication bool
}

// Message is one request ready to be sent by its Session.
type Message struct {
	session *Session
	method  string
	url     *url.URL
	header  http.Header
	body    []byte
	urlCred credential.Credential
	flags   Flags
	decode  bool

	sent atomic.Bool

	mu   sync.Mutex
	subs []*Subscription
}

// NewMessage validates req and builds a message for it. Credentials embedded
// in the URL are held back and only used to answer the first challenge.
func (s *Session) NewMessage(req *httpmsg.Request, flags Flags) (*Message, error) {
	if req == nil || !httpmsg.IsHTTPFamily(req.URL) || req.URL.Host == "" {
		return nil, ErrUnsupportedURL
	}

	u := *req.URL
	urlCred := credential.URLCredential(&u)
	u.User = nil

	if _, err := http.NewRequest(req.Method, u.String(), nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedURL, err)
	}

	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	// Some servers refuse subresources without an Accept header.
	if header.Get("Accept") == "" {
		header.Set("Accept", "*/*")
	}

	decode := s.decoding && header.Get("Accept-Encoding") == ""
	if decode {
		header.Set("Accept-Encoding", acceptEncoding)
	}

	m := &Message{
		session: s,
		method:  req.Method,
		url:     &u,
		header:  header,
		urlCred: urlCred,
		flags:   flags,
		decode:  decode,
	}
	if len(req.Body) > 0 {
		m.body = append([]byte(nil), req.Body...)
	}

	return m, nil
}

// Method returns the HTTP method.
func (m *Message) Method() string { return m.method }

// URL returns a copy of the target URL, without credentials.
func (m *Message) URL() *url.URL {
	u := *m.url
	return &u
}

// Subscribe registers ev for the message's events until the returned
// Subscription is released.
func (m *Message) Subscribe(ev Events) *Subscription {
	sub := &Subscription{events: &ev}

	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	return sub
}

// Send performs the exchange on a new goroutine and calls done with the
// response stream, or the error that ended the exchange. Cancelling ctx
// aborts the exchange and any later stream operation.
func (m *Message) Send(ctx context.Context, done func(*Stream, error)) {
	if !m.sent.CompareAndSwap(false, true) {
		go done(nil, ErrAlreadySent)
		return
	}

	go func() {
		stream, err := m.run(ctx)
		done(stream, err)
	}()
}

func (m *Message) run(ctx context.Context) (*Stream, error) {
	var (
		auth        *credential.Credential
		authProxy   bool
		failures    int
		urlCredUsed bool
	)

	for {
		req, err := m.build(ctx, auth, authProxy)
		if err != nil {
			return nil, err
		}

		resp, err := m.session.client.Do(req)
		if err != nil {
			return nil, err
		}

		m.emit(func(e *Events) bool {
			if e.GotHeaders != nil {
				e.GotHeaders(resp.StatusCode)
			}
			return true
		})

		if !isAuthFailure(resp.StatusCode) || m.flags.DisableAuthentication {
			return m.newStream(resp)
		}

		ps, ok := parseChallenge(resp, m.url)
		if !ok {
			return m.newStream(resp)
		}

		if !urlCredUsed && !m.urlCred.IsEmpty() {
			urlCredUsed = true
			cred := m.urlCred
			auth, authProxy = &cred, ps.Proxy
			failures++
			drain(resp)
			m.restarted()
			continue
		}

		failureResp := httpmsg.NewResponse(m.url, resp.StatusCode, resp.Status, resp.Header)
		ch := newChallenge(m, ps, failures, failureResp)

		handled := m.emit(func(e *Events) bool {
			if e.Authenticate == nil {
				return false
			}
			e.Authenticate(ch)
			return true
		})
		if !handled {
			return m.newStream(resp)
		}

		select {
		case <-ch.done:
		case <-ctx.Done():
			drain(resp)
			return nil, ctx.Err()
		}

		cred, ok := ch.credential()
		if !ok {
			return m.newStream(resp)
		}

		auth, authProxy = &cred, ps.Proxy
		failures++
		drain(resp)
		m.restarted()
	}
}

func (m *Message) build(ctx context.Context, auth *credential.Credential, proxy bool) (*http.Request, error) {
	ctx = httptrace.WithClientTrace(ctx, m.trace())

	req, err := http.NewRequestWithContext(ctx, m.method, m.url.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedURL, err)
	}
	req.Header = m.header.Clone()

	if len(m.body) > 0 {
		total := int64(len(m.body))
		req.Body = io.NopCloser(&progressReader{
			r:     bytes.NewReader(m.body),
			total: total,
			emit:  m.wroteBodyData,
		})
		req.ContentLength = total
	}

	if auth != nil {
		field := "Authorization"
		if proxy {
			field = "Proxy-Authorization"
		}
		token := base64.StdEncoding.EncodeToString([]byte(auth.User + ":" + auth.Password))
		req.Header.Set(field, "Basic "+token)
	}

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	return req, nil
}

func (m *Message) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(string) {
			m.emit(func(e *Events) bool {
				if e.Starting != nil {
					e.Starting()
				}
				return true
			})
		},
		DNSStart:          func(httptrace.DNSStartInfo) { m.network(EventResolving) },
		DNSDone:           func(httptrace.DNSDoneInfo) { m.network(EventResolved) },
		ConnectStart:      func(string, string) { m.network(EventConnecting) },
		TLSHandshakeStart: func() { m.network(EventTLSHandshaking) },
		ConnectDone: func(_, _ string, err error) {
			if err == nil {
				m.network(EventConnected)
			}
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			if err == nil {
				m.network(EventTLSHandshaked)
				return
			}
			m.emit(func(e *Events) bool {
				if e.TLSErrors != nil {
					e.TLSErrors(err)
				}
				return true
			})
		},
		GotConn: func(httptrace.GotConnInfo) { m.network(EventComplete) },
	}
}

func (m *Message) network(ev NetworkEvent) {
	m.emit(func(e *Events) bool {
		if e.Network != nil {
			e.Network(ev)
		}
		return true
	})
}

func (m *Message) restarted() {
	m.emit(func(e *Events) bool {
		if e.Restarted != nil {
			e.Restarted()
		}
		return true
	})
}

func (m *Message) wroteBodyData(n, total int64) {
	m.emit(func(e *Events) bool {
		if e.WroteBodyData != nil {
			e.WroteBodyData(n, total)
		}
		return true
	})
}

// emit hands fn to every active subscription and reports whether any of
// them handled it.
func (m *Message) emit(fn func(*Events) bool) bool {
	m.mu.Lock()
	subs := make([]*Subscription, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	var handled bool
	for _, sub := range subs {
		if sub.emit(fn) {
			handled = true
		}
	}

	return handled
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainSize))
	_ = resp.Body.Close()
}

// progressReader reports every chunk the HTTP client pulls from the body.
type progressReader struct {
	r     io.Reader
	total int64
	emit  func(n, total int64)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.emit(int64(n), pr.total)
	}
	return n, err
}
