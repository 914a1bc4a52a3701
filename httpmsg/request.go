// Package httpmsg holds the request and response records a data task
// exchanges with its client and its transport.
package httpmsg

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Priority is a scheduling hint carried with a request.
type Priority int

const (
	PriorityVeryLow Priority = iota - 2
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityVeryHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityVeryLow:
		return "very-low"
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityVeryHigh:
		return "very-high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Request is the mutable description of an HTTP exchange.
type Request struct {
	Method   string        `validate:"required"`
	URL      *url.URL      `validate:"-"`
	Header   http.Header   `validate:"-"`
	Body     []byte        `validate:"-"`
	Timeout  time.Duration `validate:"gte=0"`
	Priority Priority      `validate:"gte=-2,lte=2"`

	// FirstPartyForCookies is the URL of the top-level resource this
	// request is made on behalf of.
	FirstPartyForCookies *url.URL `validate:"-"`
}

// NewRequest builds a Request for method and rawURL. A rawURL that fails
// to parse leaves URL nil; the task reports it as an invalid URL once resumed.
func NewRequest(method, rawURL string) *Request {
	u, err := url.Parse(rawURL)
	if err != nil {
		u = nil
	}

	return &Request{
		Method:               method,
		URL:                  u,
		Header:               make(http.Header),
		FirstPartyForCookies: u,
	}
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}

	cpy := *r
	cpy.URL = cloneURL(r.URL)
	cpy.FirstPartyForCookies = cloneURL(r.FirstPartyForCookies)
	cpy.Header = r.Header.Clone()
	if cpy.Header == nil {
		cpy.Header = make(http.Header)
	}
	if r.Body != nil {
		cpy.Body = append([]byte(nil), r.Body...)
	}

	return &cpy
}

// Referrer returns the Referer header.
func (r *Request) Referrer() string {
	return r.Header.Get("Referer")
}

// ClearReferrer drops the Referer header.
func (r *Request) ClearReferrer() {
	r.Header.Del("Referer")
}

// ClearContentType drops the Content-Type header.
func (r *Request) ClearContentType() {
	r.Header.Del("Content-Type")
}

// ClearAuthorization drops the Authorization header.
func (r *Request) ClearAuthorization() {
	r.Header.Del("Authorization")
}

// ClearOrigin drops the Origin header.
func (r *Request) ClearOrigin() {
	r.Header.Del("Origin")
}

// RemoveCredentials strips user info from the URL.
func (r *Request) RemoveCredentials() {
	if r.URL != nil {
		r.URL.User = nil
	}
}

// IsHTTPFamily reports whether u uses http or https.
func IsHTTPFamily(u *url.URL) bool {
	if u == nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)

	return scheme == "http" || scheme == "https"
}

// SameOrigin reports whether a and b share scheme, host and port.
// Default ports are made explicit before comparing.
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}

	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		Port(a) == Port(b)
}

// Port returns u's port, falling back to the scheme default.
func Port(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}

	return ""
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	cpy := *u
	if u.User != nil {
		user := *u.User
		cpy.User = &user
	}

	return &cpy
}
