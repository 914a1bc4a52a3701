package task

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/datatask/httpmsg"
)

func (t *Task) shouldStartHTTPRedirection() bool {
	if !t.response.IsRedirection() {
		return false
	}

	switch t.response.StatusCode {
	case http.StatusMultipleChoices, http.StatusNotModified, http.StatusUseProxy, 306:
		return false
	}

	return t.response.Header.Get("Location") != ""
}

// skipForRedirection drains the redirect body so the connection can be
// reused, then continues with the next request.
func (t *Task) skipForRedirection() {
	t.begin()
	t.stream.Skip(readBufferSize, func(n int64, err error) {
		t.post(completion{run: func() {
			switch {
			case err != nil:
				t.didFail(t.newError(ErrTransport, err))
			case n > 0:
				t.skipForRedirection()
			default:
				t.closeStreams()
				t.continueHTTPRedirection()
			}
		}})
	})
}

func (t *Task) continueHTTPRedirection() {
	t.redirectCount++
	if t.redirectCount > maxRedirects {
		t.didFail(t.newError(ErrTooManyRedirects, nil))
		return
	}

	location, err := t.response.URL.Parse(t.response.Header.Get("Location"))
	if err != nil {
		t.didFail(t.newError(ErrInvalidURL, err))
		return
	}

	req := t.originalRequest.Clone()
	req.URL = location
	firstParty := *location
	firstParty.User = nil
	req.FirstPartyForCookies = &firstParty

	if t.opts.clearReferrer && !strings.EqualFold(location.Scheme, "https") {
		if ref := req.Referrer(); strings.HasPrefix(strings.ToLower(ref), "https:") {
			req.ClearReferrer()
		}
	}

	msgMethod := t.currentRequest.Method
	crossOrigin := !httpmsg.SameOrigin(t.originalRequest.URL, location)

	if req.Method != http.MethodGet {
		if msgMethod == http.MethodGet || !httpmsg.IsHTTPFamily(location) || shouldRedirectAsGET(msgMethod, t.response.StatusCode, crossOrigin) {
			req.Method = http.MethodGet
			req.Body = nil
			req.ClearContentType()
		}
	}

	t.user, t.password = userInfo(req.URL)
	req.RemoveCredentials()

	if crossOrigin {
		req.ClearAuthorization()
		req.ClearOrigin()
	} else if httpmsg.IsHTTPFamily(location) && t.opts.storedCredentials && t.user == "" && t.password == "" {
		if cred := t.session.credentials.GetForURL(location); !cred.IsEmpty() {
			t.initialCredential = cred
		}
	}

	t.span.AddEvent("redirect", trace.WithAttributes(
		attribute.Int("http.response.status_code", t.response.StatusCode),
		attribute.String("url.full", location.Redacted()),
		attribute.Int("datatask.redirect_count", t.redirectCount),
	))
	t.logger.Debug("redirecting", "status", t.response.StatusCode, "location", location.Redacted(), "count", t.redirectCount)

	t.releaseResources()

	resp := t.response.Clone()
	t.client.WillPerformHTTPRedirection(t, resp, req, onLoop(t, func(approved *httpmsg.Request) {
		t.didDecideRedirection(approved, crossOrigin)
	}))
}

func (t *Task) didDecideRedirection(req *httpmsg.Request, crossOrigin bool) {
	switch t.State() {
	case StateCanceling:
		t.clearRequest()
		return
	case StateCompleted:
		return
	}

	if req == nil {
		t.logger.Debug("redirect vetoed")
		t.didFail(t.newError(ErrCancelled, nil))
		return
	}

	req = req.Clone()
	if httpmsg.IsHTTPFamily(req.URL) {
		if crossOrigin {
			t.startTime = t.now()
		}
		t.applyAuthentication(req)
	}

	t.createRequest(req)
	if t.message != nil && t.State() == StateRunning {
		t.startTimeout()
		t.send()
	}
}

// shouldRedirectAsGET reports whether a redirect of a method request with
// the given status turns it into a GET.
func shouldRedirectAsGET(method string, status int, crossOrigin bool) bool {
	if method == http.MethodGet || method == http.MethodHead {
		return false
	}

	switch status {
	case http.StatusSeeOther:
		return true
	case http.StatusMovedPermanently, http.StatusFound:
		return method == http.MethodPost
	}

	return crossOrigin && method == http.MethodDelete
}
