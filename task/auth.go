package task

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/datatask/credential"
	"github.com/adamwoolhether/datatask/transport"
)

// stagedCredential is a permanent credential waiting for the server to
// accept it before it is written to persistent storage.
type stagedCredential struct {
	space      credential.ProtectionSpace
	credential credential.Credential
}

func (t *Task) authenticate(ch *transport.Challenge) {
	store := t.session.credentials

	t.span.AddEvent("authenticate", trace.WithAttributes(
		attribute.String("auth.realm", ch.Space.Realm),
		attribute.Int("auth.previous_failures", ch.PreviousFailureCount),
	))

	if t.opts.storedCredentials {
		// A stored credential that gets challenged was rejected.
		if !t.initialCredential.IsEmpty() || ch.PreviousFailureCount > 0 {
			store.Remove(ch.Space)
		}

		if ch.PreviousFailureCount == 0 {
			cred := store.Get(ch.Space)
			if !cred.IsEmpty() && !cred.Equal(t.initialCredential) {
				if isAuthFailure(ch.FailureResponse.StatusCode) {
					// Put it back, possibly as the default for this directory.
					store.Set(cred, ch.Space, ch.FailureResponse.URL)
				}
				t.logger.Debug("answering challenge from the credential store", "realm", ch.Space.Realm)
				ch.Authenticate(cred.User, cred.Password)
				return
			}
		}
	}

	challenge := &AuthChallenge{
		Space:                ch.Space,
		PreviousFailureCount: ch.PreviousFailureCount,
		FailureResponse:      ch.FailureResponse.Clone(),
	}

	if !t.opts.storedCredentials || t.session.persistent == nil {
		t.continueAuthenticate(ch, challenge)
		return
	}

	// Persistent storage may hit the disk.
	m, ctx := t.message, t.msgCtx
	go func() {
		cred, err := t.session.persistent.Load(ctx, ch.Space)
		posted := t.session.loop.Post(func() {
			if t.message != m || t.isTerminating() {
				ch.Unpause()
				t.clearRequest()
				return
			}
			if err != nil {
				t.logger.Warn("loading persistent credential", "realm", ch.Space.Realm, "error", err)
			}
			challenge.ProposedCredential = cred
			t.continueAuthenticate(ch, challenge)
		})
		if !posted {
			ch.Unpause()
		}
	}()
}

func (t *Task) continueAuthenticate(ch *transport.Challenge, challenge *AuthChallenge) {
	t.client.DidReceiveChallenge(t, challenge, onLoop2(t, func(disposition Disposition, cred credential.Credential) {
		defer ch.Unpause()

		if t.isTerminating() {
			t.clearRequest()
			return
		}

		t.logger.Debug("challenge answered", "realm", ch.Space.Realm, "disposition", disposition)

		if disposition == DispositionCancel {
			err := t.newError(ErrCancelled, nil)
			t.cancel(err)
			t.didFail(err)
			return
		}

		if disposition != DispositionUseCredential || cred.IsEmpty() {
			return
		}

		if t.opts.storedCredentials {
			switch cred.Persistence {
			case credential.PersistenceForSession, credential.PersistencePermanent:
				t.session.credentials.Set(cred, ch.Space, ch.FailureResponse.URL)
			}
			if cred.Persistence == credential.PersistencePermanent {
				t.staged = stagedCredential{space: ch.Space, credential: cred}
			}
		}

		ch.Authenticate(cred.User, cred.Password)
	}))
}

// flushStagedCredential writes a staged permanent credential once a
// response shows it was accepted.
func (t *Task) flushStagedCredential() {
	staged := t.staged
	t.staged = stagedCredential{}

	if staged.credential.IsEmpty() || t.session.persistent == nil {
		return
	}
	if err := Validate(staged.space); err != nil {
		t.logger.Warn("not saving credential", "error", err)
		return
	}

	logger := t.logger
	go func() {
		if err := t.session.persistent.Save(staged.space, staged.credential); err != nil {
			logger.Error("saving credential", "realm", staged.space.Realm, "error", err)
			return
		}
		logger.Debug("credential saved", "realm", staged.space.Realm)
	}()
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusProxyAuthRequired
}
