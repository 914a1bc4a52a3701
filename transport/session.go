// Package transport sends the requests a data task builds and streams
// their responses back through asynchronous, callback-driven primitives.
// Every blocking step runs on its own goroutine; completions are handed to
// a callback, and the caller decides which thread acts on them.
package transport

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/adamwoolhether/datatask/transport/throttle"
)

// Session owns the HTTP client shared by every message it creates.
type Session struct {
	client   *http.Client
	logger   *slog.Logger
	decoding bool
}

// NewSession builds a Session with the provided options. Without options
// a fresh HTTP/1.1+HTTP/2 transport is used.
func NewSession(optFns ...Option) (*Session, error) {
	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying transport option: %w", err)
		}
	}

	s := &Session{
		logger:   slog.Default(),
		decoding: !opts.noDecoding,
	}
	if opts.logger != nil {
		s.logger = opts.logger
	}

	var hc http.Client
	if opts.client != nil {
		hc = *opts.client
	}
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	// Tasks run their own watchdog.
	hc.Timeout = 0

	var transport http.RoundTripper
	switch {
	case opts.rt != nil:
		transport = opts.rt
	case opts.client != nil && opts.client.Transport != nil:
		transport = opts.client.Transport
	default:
		base, err := newDefaultTransport(opts)
		if err != nil {
			return nil, err
		}
		transport = base
	}
	if opts.userAgent != "" {
		transport = userAgent{value: opts.userAgent, base: transport}
	}
	if opts.throttle != nil {
		rt, err := throttle.NewRoundTripper(*opts.throttle, func() *slog.Logger { return s.logger }, transport)
		if err != nil {
			return nil, fmt.Errorf("configuring throttle: %w", err)
		}
		transport = rt
	}
	hc.Transport = transport
	s.client = &hc

	return s, nil
}

// CloseIdleConnections closes keep-alive connections not in use.
func (s *Session) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

func newDefaultTransport(opts options) (*http.Transport, error) {
	tlsTimeout := 10 * time.Second
	if opts.tlsHandshakeMax > 0 {
		tlsTimeout = opts.tlsHandshakeMax
	}

	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   tlsTimeout,
		ExpectContinueTimeout: time.Second,
		// Bodies are decoded by the stream, never transparently.
		DisableCompression: true,
	}

	if !opts.http2 {
		t.ForceAttemptHTTP2 = true
		return t, nil
	}

	h2, err := http2.ConfigureTransports(t)
	if err != nil {
		return nil, fmt.Errorf("configuring http2: %w", err)
	}
	if opts.http2ReadIdle > 0 {
		h2.ReadIdleTimeout = opts.http2ReadIdle
		h2.PingTimeout = opts.http2ReadIdle / 2
	}

	return t, nil
}
