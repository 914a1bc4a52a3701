package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/adamwoolhether/datatask/transport/throttle"
)

// Option is a functional option for configuring a [Session] via [NewSession].
type Option func(*options) error

type options struct {
	client          *http.Client
	rt              http.RoundTripper
	userAgent       string
	throttle        *throttle.Config
	http2           bool
	http2ReadIdle   time.Duration
	noDecoding      bool
	logger          *slog.Logger
	tlsHandshakeMax time.Duration
}

// WithClient uses a copy of hc as the base client. Its redirect policy is
// always replaced: tasks follow redirects themselves.
func WithClient(hc *http.Client) Option {
	return func(o *options) error {
		if hc == nil {
			return errors.New("client must not be nil")
		}
		o.client = hc
		return nil
	}
}

// WithTransport sets a custom [http.RoundTripper] as the base transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) error {
		if rt == nil {
			return errors.New("transport must not be nil")
		}
		o.rt = rt
		return nil
	}
}

// WithUserAgent sets the User-Agent header on every outgoing request.
func WithUserAgent(header string) Option {
	return func(o *options) error {
		o.userAgent = header
		return nil
	}
}

// WithThrottle enables per-host token-bucket rate limiting.
func WithThrottle(rps, burst int) Option {
	return func(o *options) error {
		if rps <= 0 || burst <= 0 {
			return fmt.Errorf("rps[%d] and burst[%d] %w", rps, burst, throttle.ErrMustNotBeZero)
		}
		o.throttle = &throttle.Config{RPS: rps, Burst: burst}
		return nil
	}
}

// WithHTTP2 configures the default transport for HTTP/2 through
// golang.org/x/net/http2. A positive readIdle enables connection health
// pings after that much silence. It has no effect with WithTransport.
func WithHTTP2(readIdle time.Duration) Option {
	return func(o *options) error {
		if readIdle < 0 {
			return errors.New("read idle timeout must not be negative")
		}
		o.http2 = true
		o.http2ReadIdle = readIdle
		return nil
	}
}

// WithTLSHandshakeTimeout bounds the TLS handshake of the default transport.
func WithTLSHandshakeTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return errors.New("tls handshake timeout must not be negative")
		}
		o.tlsHandshakeMax = d
		return nil
	}
}

// WithoutContentDecoding leaves compressed bodies untouched.
func WithoutContentDecoding() Option {
	return func(o *options) error {
		o.noDecoding = true
		return nil
	}
}

// WithLogger injects a custom [slog.Logger].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}

// userAgent is an http.RoundTripper, enabling the persistent User-Agent header.
type userAgent struct {
	value string
	base  http.RoundTripper
}

func (ua userAgent) RoundTrip(r *http.Request) (*http.Response, error) {
	cpy := r.Clone(r.Context())
	cpy.Header.Set("User-Agent", ua.value)
	return ua.base.RoundTrip(cpy)
}
