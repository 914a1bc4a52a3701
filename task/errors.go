package task

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidURL          = errors.New("invalid url")
	ErrTransport           = errors.New("transport failure")
	ErrTimeout             = errors.New("request timed out")
	ErrTooManyRedirects    = errors.New("too many redirects")
	ErrDownloadDestination = errors.New("download destination failure")
	ErrDownloadNetwork     = errors.New("download network failure")
	ErrCancelled           = errors.New("cancelled")
	ErrSessionClosed       = errors.New("session closed")
)

// Error is the failure a task completes with. Err is one of the sentinel
// errors above; Cause, when set, is the underlying transport or file error.
type Error struct {
	Err        error
	URL        string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, ": %s", e.URL)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}

	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}

	return []error{e.Err, e.Cause}
}
