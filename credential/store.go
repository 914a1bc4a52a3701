package credential

import (
	"net/url"
	"strings"
	"sync"
)

// Store is the process-wide session credential store. Credentials are keyed
// by protection space; each Set also records the space as the default for
// the request URL's directory so later requests below it can find it by URL.
type Store struct {
	mu          sync.Mutex
	credentials map[ProtectionSpace]Credential
	defaults    map[string]ProtectionSpace
	origins     map[string]struct{}
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		credentials: make(map[ProtectionSpace]Credential),
		defaults:    make(map[string]ProtectionSpace),
		origins:     make(map[string]struct{}),
	}
}

// Get returns the credential stored for ps, or an empty credential.
func (s *Store) Get(ps ProtectionSpace) Credential {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.credentials[ps]
}

// Set stores c for ps. Unless ps is a proxy space, it also becomes the
// default space for the directory u lives in.
func (s *Store) Set(c Credential, ps ProtectionSpace, u *url.URL) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials[ps] = c

	if ps.Proxy || u == nil {
		return
	}
	s.origins[originKey(u)] = struct{}{}
	s.defaults[directoryKey(u)] = ps
}

// Remove forgets the credential for ps.
func (s *Store) Remove(ps ProtectionSpace) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.credentials, ps)
}

// GetForURL returns the credential of the closest default protection space
// at or above u's directory.
func (s *Store) GetForURL(u *url.URL) Credential {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.findDefault(u)
	if !ok {
		return Credential{}
	}

	return s.credentials[ps]
}

// SetForURL replaces the credential of u's default protection space, if
// one is known. It reports whether a space was found.
func (s *Store) SetForURL(c Credential, u *url.URL) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.findDefault(u)
	if !ok {
		return false
	}
	s.credentials[ps] = c

	return true
}

// Clear forgets everything.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.credentials)
	clear(s.defaults)
	clear(s.origins)
}

func (s *Store) findDefault(u *url.URL) (ProtectionSpace, bool) {
	if u == nil {
		return ProtectionSpace{}, false
	}
	origin := originKey(u)
	if _, ok := s.origins[origin]; !ok {
		return ProtectionSpace{}, false
	}

	key := directoryKey(u)
	for {
		if ps, ok := s.defaults[key]; ok {
			return ps, true
		}
		if len(key) <= len(origin)+1 {
			return ProtectionSpace{}, false
		}
		// Walk up one directory: drop the trailing slash, then everything after the previous one.
		idx := strings.LastIndex(key[:len(key)-1], "/")
		if idx < len(origin) {
			return ProtectionSpace{}, false
		}
		key = key[:idx+1]
	}
}

// originKey is scheme://host[:port] with any user info dropped.
func originKey(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// directoryKey is the origin plus the path up to and including its last slash.
func directoryKey(u *url.URL) string {
	path := u.EscapedPath()
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		path = path[:idx+1]
	} else {
		path = "/"
	}

	return originKey(u) + path
}
