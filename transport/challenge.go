package transport

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/adamwoolhether/datatask/credential"
	"github.com/adamwoolhether/datatask/httpmsg"
)

// Challenge is a paused 401/407 exchange waiting for credentials.
type Challenge struct {
	Space                credential.ProtectionSpace
	PreviousFailureCount int
	FailureResponse      *httpmsg.Response

	message *Message
	once    sync.Once
	done    chan struct{}

	mu   sync.Mutex
	cred *credential.Credential
}

func newChallenge(m *Message, ps credential.ProtectionSpace, failures int, resp *httpmsg.Response) *Challenge {
	return &Challenge{
		Space:                ps,
		PreviousFailureCount: failures,
		FailureResponse:      resp,
		message:              m,
		done:                 make(chan struct{}),
	}
}

// Message returns the message the challenge belongs to.
func (c *Challenge) Message() *Message { return c.message }

// Authenticate answers the challenge and resumes the exchange, which is
// retried with the credential.
func (c *Challenge) Authenticate(user, password string) {
	c.mu.Lock()
	if c.cred == nil {
		c.cred = &credential.Credential{User: user, Password: password}
	}
	c.mu.Unlock()

	c.Unpause()
}

// Unpause resumes the exchange. Unanswered, the failure response is
// delivered as the final response. It is safe to call more than once.
func (c *Challenge) Unpause() {
	c.once.Do(func() { close(c.done) })
}

func (c *Challenge) credential() (credential.Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cred == nil {
		return credential.Credential{}, false
	}

	return *c.cred, true
}

var realmRE = regexp.MustCompile(`(?i)realm\s*=\s*(?:"([^"]*)"|([^\s,]+))`)

// parseChallenge extracts the first Basic challenge from the response's
// authenticate headers. It reports false when no supported scheme is offered.
func parseChallenge(resp *http.Response, u *url.URL) (credential.ProtectionSpace, bool) {
	proxy := resp.StatusCode == http.StatusProxyAuthRequired
	field := "WWW-Authenticate"
	if proxy {
		field = "Proxy-Authenticate"
	}

	for _, value := range resp.Header.Values(field) {
		scheme, params, _ := strings.Cut(strings.TrimSpace(value), " ")
		if !strings.EqualFold(scheme, "Basic") {
			continue
		}

		var realm string
		if m := realmRE.FindStringSubmatch(params); m != nil {
			realm = m[1]
			if realm == "" {
				realm = m[2]
			}
		}

		port, _ := strconv.Atoi(httpmsg.Port(u))

		return credential.ProtectionSpace{
			Host:       strings.ToLower(u.Hostname()),
			Port:       port,
			Scheme:     strings.ToLower(u.Scheme),
			Realm:      realm,
			AuthScheme: "Basic",
			Proxy:      proxy,
		}, true
	}

	return credential.ProtectionSpace{}, false
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusProxyAuthRequired
}
