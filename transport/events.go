package transport

import (
	"sync"
)

// NetworkEvent is a connection phase reported while a message is sent.
type NetworkEvent int

const (
	EventResolving NetworkEvent = iota + 1
	EventResolved
	EventConnecting
	EventConnected
	EventTLSHandshaking
	EventTLSHandshaked
	EventComplete
)

func (e NetworkEvent) String() string {
	switch e {
	case EventResolving:
		return "resolving"
	case EventResolved:
		return "resolved"
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventTLSHandshaking:
		return "tls-handshaking"
	case EventTLSHandshaked:
		return "tls-handshaked"
	case EventComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Events are the low-level notifications a message emits. They are called
// from transport goroutines; nil funcs are skipped.
type Events struct {
	// Starting fires before each attempt acquires a connection.
	Starting func()
	// Restarted fires when an attempt is repeated with new credentials.
	Restarted func()
	// Network reports connection phases.
	Network func(NetworkEvent)
	// TLSErrors reports a failed certificate validation.
	TLSErrors func(error)
	// GotHeaders fires for every response status line received, including
	// the ones answered by authentication.
	GotHeaders func(statusCode int)
	// WroteBodyData reports upload progress: bytes written in this chunk
	// and the total body length.
	WroteBodyData func(n, total int64)
	// Authenticate receives a challenge. The exchange stays paused until
	// the challenge is answered or released.
	Authenticate func(*Challenge)
}

// Subscription is one registration on a message's events. Releasing it
// guarantees no further callbacks.
type Subscription struct {
	mu     sync.Mutex
	events *Events
}

// Release detaches the subscription. It is safe to call more than once.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = nil
}

// Active reports whether the subscription has not been released.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.events != nil
}

// emit calls fn with the events while holding the lock, so Release waits
// for in-progress callbacks.
func (s *Subscription) emit(fn func(*Events) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.events == nil {
		return false
	}

	return fn(s.events)
}
