package httpmsg

import (
	"mime"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// Timing marks the phases of one exchange, relative to its start.
type Timing struct {
	DomainLookupStart     time.Duration
	DomainLookupEnd       time.Duration
	ConnectStart          time.Duration
	ConnectEnd            time.Duration
	SecureConnectionStart time.Duration
	RequestStart          time.Duration
	ResponseStart         time.Duration
}

// Response describes one logical HTTP response, or one part of a
// multipart response. It is not modified once handed to a client.
type Response struct {
	URL           *url.URL
	StatusCode    int
	Status        string
	Header        http.Header
	MIMEType      string
	TextEncoding  string
	ContentLength int64
	Timing        Timing
}

// NewResponse builds a Response from the status line and headers. MIME
// type, charset and length are derived from the headers.
func NewResponse(u *url.URL, statusCode int, status string, header http.Header) *Response {
	r := &Response{
		URL:           cloneURL(u),
		StatusCode:    statusCode,
		Status:        status,
		Header:        header.Clone(),
		ContentLength: -1,
	}
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.SetContentType(r.Header.Get("Content-Type"))

	if cl := r.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			r.ContentLength = n
		}
	}

	return r
}

// NewPartResponse builds the response for one multipart part. Parts carry
// no status line; they inherit the request URL.
func NewPartResponse(u *url.URL, header textproto.MIMEHeader) *Response {
	return NewResponse(u, http.StatusOK, "", http.Header(header))
}

// SetContentType updates MIMEType and TextEncoding from a Content-Type value.
func (r *Response) SetContentType(contentType string) {
	if contentType == "" {
		r.MIMEType, r.TextEncoding = "", ""
		return
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		r.MIMEType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
		r.TextEncoding = ""
		return
	}
	r.MIMEType = mediaType
	r.TextEncoding = params["charset"]
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cpy := *r
	cpy.URL = cloneURL(r.URL)
	cpy.Header = r.Header.Clone()

	return &cpy
}

// IsRedirection reports whether the status is in the 3xx class.
func (r *Response) IsRedirection() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400
}

// IsMultipart reports whether the body is a sequence of independently
// headed parts.
func (r *Response) IsMultipart() bool {
	return r.MIMEType == "multipart/x-mixed-replace" || r.MIMEType == "multipart/mixed"
}

// Boundary returns the multipart boundary parameter, if any.
func (r *Response) Boundary() string {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}

	return params["boundary"]
}

// SuggestedFilename returns the Content-Disposition filename, falling back
// to the unescaped last segment of the URL path.
func (r *Response) SuggestedFilename() string {
	if cd := r.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := path.Base(params["filename"]); name != "" && name != "." && name != "/" {
				return name
			}
		}
	}

	if r.URL == nil {
		return ""
	}
	last := path.Base(r.URL.EscapedPath())
	if last == "." || last == "/" {
		return ""
	}
	if unescaped, err := url.PathUnescape(last); err == nil {
		return unescaped
	}

	return last
}
