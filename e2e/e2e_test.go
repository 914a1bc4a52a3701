//go:build integration

package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/adamwoolhether/datatask"
	"github.com/adamwoolhether/datatask/credential"
	"github.com/adamwoolhether/datatask/download"
	"github.com/adamwoolhether/datatask/httpmsg"
	"github.com/adamwoolhether/datatask/internal/fixture"
	"github.com/adamwoolhether/datatask/task"
)

const waitTimeout = 10 * time.Second

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func newServer(t *testing.T) *fixture.Server {
	t.Helper()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := fixture.Start(fixture.WithLogger(log))
	t.Cleanup(srv.Close)

	return srv
}

func newSession(t *testing.T, optFns ...task.Option) *task.Session {
	t.Helper()

	opts := append([]task.Option{task.WithLogger(slog.New(slog.DiscardHandler))}, optFns...)
	s, err := datatask.NewSession(opts...)
	if err != nil {
		t.Fatalf("building session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	t.Cleanup(func() {
		s.Close()
		cancel()
		<-done
	})

	return s
}

// recorder collects everything a task reports.
type recorder struct {
	mu         sync.Mutex
	body       bytes.Buffer
	responses  []*httpmsg.Response
	redirects  int
	challenges int
	cred       credential.Credential
	download   chan *download.Download
	done       chan error
}

func newRecorder() *recorder {
	return &recorder{
		download: make(chan *download.Download, 1),
		done:     make(chan error, 1),
	}
}

func (r *recorder) client(policy task.PolicyAction) task.ClientFuncs {
	return task.ClientFuncs{
		Response: func(_ *task.Task, resp *httpmsg.Response, decide func(task.PolicyAction)) {
			r.mu.Lock()
			r.responses = append(r.responses, resp)
			r.mu.Unlock()
			decide(policy)
		},
		Data: func(_ *task.Task, data []byte) {
			r.mu.Lock()
			r.body.Write(data)
			r.mu.Unlock()
		},
		Redirect: func(_ *task.Task, _ *httpmsg.Response, req *httpmsg.Request, decide func(*httpmsg.Request)) {
			r.mu.Lock()
			r.redirects++
			r.mu.Unlock()
			decide(req)
		},
		Challenge: func(_ *task.Task, _ *task.AuthChallenge, respond func(task.Disposition, credential.Credential)) {
			r.mu.Lock()
			r.challenges++
			cred := r.cred
			r.mu.Unlock()
			respond(task.DispositionUseCredential, cred)
		},
		Complete:       func(_ *task.Task, err error) { r.done <- err },
		BecameDownload: func(_ *task.Task, d *download.Download) { r.download <- d },
	}
}

func (r *recorder) wait(t *testing.T) error {
	t.Helper()

	select {
	case err := <-r.done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("task did not complete")
		return nil
	}
}

func start(t *testing.T, s *task.Session, req *httpmsg.Request, client task.Client) *task.Task {
	t.Helper()

	tk, err := s.NewTask(req, client, task.WithStartRunning())
	if err != nil {
		t.Fatalf("new task: %v", err)
	}

	return tk
}

// -------------------------------------------------------------------------
// Tests
// -------------------------------------------------------------------------

func TestE2E_RedirectChain(t *testing.T) {
	srv := newServer(t)
	s := newSession(t)
	rec := newRecorder()

	req := httpmsg.NewRequest(http.MethodPost, srv.URL+"/redirect/3")
	req.Body = []byte("payload")
	start(t, s, req, rec.client(task.PolicyUse))

	if err := rec.wait(t); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	var got fixture.Echo
	if err := json.Unmarshal(rec.body.Bytes(), &got); err != nil {
		t.Fatalf("decoding echo: %v", err)
	}

	// 302 turns the POST into a body-less GET.
	if got.Method != http.MethodGet || got.Path != "/echo" || got.Body != "" {
		t.Errorf("unexpected final request %+v", got)
	}
	if rec.redirects != 4 {
		t.Errorf("expected 4 redirects, got %d", rec.redirects)
	}
	if hits := srv.Hits("/echo"); hits != 1 {
		t.Errorf("expected one request to /echo, got %d", hits)
	}
}

func TestE2E_SessionCredentialIsReused(t *testing.T) {
	srv := newServer(t)
	s := newSession(t)
	target := srv.URL + "/basic-auth/alice/secret"

	first := newRecorder()
	first.cred = credential.Credential{User: "alice", Password: "secret", Persistence: credential.PersistenceForSession}
	start(t, s, httpmsg.NewRequest(http.MethodGet, target), first.client(task.PolicyUse))

	if err := first.wait(t); err != nil {
		t.Fatalf("first task: %v", err)
	}
	if first.challenges != 1 {
		t.Errorf("expected one challenge, got %d", first.challenges)
	}

	second := newRecorder()
	start(t, s, httpmsg.NewRequest(http.MethodGet, target), second.client(task.PolicyUse))

	if err := second.wait(t); err != nil {
		t.Fatalf("second task: %v", err)
	}
	if second.challenges != 0 {
		t.Errorf("expected the stored credential to answer, client saw %d challenges", second.challenges)
	}
	if status := second.responses[0].StatusCode; status != http.StatusOK {
		t.Errorf("expected 200, got %d", status)
	}
}

func TestE2E_WrongCredentialDeliversFailure(t *testing.T) {
	srv := newServer(t)
	s := newSession(t)

	rec := newRecorder()
	rec.cred = credential.Credential{User: "alice", Password: "wrong"}

	client := rec.client(task.PolicyUse)
	client.Challenge = func(_ *task.Task, ch *task.AuthChallenge, respond func(task.Disposition, credential.Credential)) {
		rec.challenges++
		if ch.PreviousFailureCount > 0 {
			respond(task.DispositionPerformDefaultHandling, credential.Credential{})
			return
		}
		respond(task.DispositionUseCredential, rec.cred)
	}
	start(t, s, httpmsg.NewRequest(http.MethodGet, srv.URL+"/basic-auth/alice/secret"), client)

	if err := rec.wait(t); err != nil {
		t.Fatalf("expected the 401 as a response, got %v", err)
	}
	if rec.challenges != 2 {
		t.Errorf("expected two challenges, got %d", rec.challenges)
	}
	if status := rec.responses[0].StatusCode; status != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", status)
	}
}

func TestE2E_Multipart(t *testing.T) {
	srv := newServer(t)
	s := newSession(t)
	rec := newRecorder()

	start(t, s, httpmsg.NewRequest(http.MethodGet, srv.URL+"/multipart/3"), rec.client(task.PolicyUse))

	if err := rec.wait(t); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got := rec.body.String(); got != "part 0part 1part 2" {
		t.Errorf("unexpected body %q", got)
	}

	var types []string
	for _, resp := range rec.responses {
		types = append(types, resp.MIMEType)
	}
	want := []string{"text/plain", "text/plain", "text/plain"}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Errorf("response types mismatch (-want +got):\n%s", diff)
	}
}

func TestE2E_Download(t *testing.T) {
	srv := newServer(t)
	s := newSession(t)
	rec := newRecorder()
	dest := filepath.Join(t.TempDir(), "data.bin")

	client := rec.client(task.PolicyDownload)
	respond := client.Response
	client.Response = func(tk *task.Task, resp *httpmsg.Response, decide func(task.PolicyAction)) {
		if name := resp.SuggestedFilename(); name != "data.bin" {
			t.Errorf("expected suggested filename data.bin, got %q", name)
		}
		tk.SetPendingDownloadLocation(dest, uuid.Nil, false)
		respond(tk, resp, decide)
	}
	start(t, s, httpmsg.NewRequest(http.MethodGet, srv.URL+"/bytes/65536"), client)

	var d *download.Download
	select {
	case d = <-rec.download:
	case err := <-rec.done:
		t.Fatalf("task completed before becoming a download: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("task did not become a download")
	}

	select {
	case <-d.Done():
	case <-time.After(waitTimeout):
		t.Fatal("download did not finish")
	}
	if err := d.Err(); err != nil {
		t.Fatalf("download failed: %v", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat destination: %v", err)
	}
	if info.Size() != 65536 || d.Received() != 65536 {
		t.Errorf("expected 65536 bytes, file has %d and record counted %d", info.Size(), d.Received())
	}
}

func TestE2E_DownloadHTTPError(t *testing.T) {
	srv := newServer(t)
	s := newSession(t)
	rec := newRecorder()

	client := rec.client(task.PolicyDownload)
	respond := client.Response
	client.Response = func(tk *task.Task, resp *httpmsg.Response, decide func(task.PolicyAction)) {
		tk.SetPendingDownloadLocation(filepath.Join(t.TempDir(), "missing"), uuid.Nil, false)
		respond(tk, resp, decide)
	}
	start(t, s, httpmsg.NewRequest(http.MethodGet, srv.URL+"/status/404"), client)

	err := rec.wait(t)
	if !errors.Is(err, task.ErrDownloadNetwork) {
		t.Fatalf("expected download network error, got %v", err)
	}

	var terr *task.Error
	if !errors.As(err, &terr) || terr.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404 on the error, got %v", err)
	}
}

func TestE2E_Timeout(t *testing.T) {
	srv := newServer(t)
	s := newSession(t)
	rec := newRecorder()

	req := httpmsg.NewRequest(http.MethodGet, srv.URL+"/delay/2000")
	req.Timeout = 100 * time.Millisecond
	start(t, s, req, rec.client(task.PolicyUse))

	if err := rec.wait(t); !errors.Is(err, task.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if len(rec.responses) != 0 {
		t.Errorf("expected no response, got %d", len(rec.responses))
	}
}

func TestE2E_CancelReleasesTask(t *testing.T) {
	srv := newServer(t)
	s := newSession(t)
	rec := newRecorder()

	tk := start(t, s, httpmsg.NewRequest(http.MethodGet, srv.URL+"/delay/5000"), rec.client(task.PolicyUse))
	tk.Cancel()

	deadline := time.Now().Add(waitTimeout)
	for tk.State() != task.StateCompleted || s.ActiveTasks() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a released task, state %s with %d active", tk.State(), s.ActiveTasks())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Cancellation is not reported back to the client that asked for it.
	select {
	case err := <-rec.done:
		t.Errorf("unexpected completion: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
