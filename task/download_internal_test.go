package task

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/adamwoolhether/datatask/download"
)

func TestDidCancel_AfterPublish(t *testing.T) {
	s, err := NewSession(WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	tk := newTask(s, ClientFuncs{}, defaultTaskOptions())
	tk.ctx, tk.span = s.tracer.Start(tk.ctx, "test")
	if err := s.register(tk); err != nil {
		t.Fatalf("register: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "done.txt")
	w, err := download.Create(dest, false, s.suffix, tk.logger)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	done := make(chan error, 1)
	w.Write([]byte("complete"), func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Finish("http://example.com/done.txt", func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("finish: %v", err)
	}

	d, err := s.downloads.Register(uuid.Nil, "http://example.com/done.txt", tk)
	if err != nil {
		t.Fatalf("register download: %v", err)
	}
	tk.writer, tk.download = w, d

	// The cancel lands after Finish already moved the file into place.
	if !tk.markCanceling() {
		t.Fatal("expected the task to start canceling")
	}
	tk.didCancel(tk.newError(ErrCancelled, nil))

	if got, err := os.ReadFile(dest); err != nil || string(got) != "complete" {
		t.Fatalf("expected the published file to stay, got %q, %v", got, err)
	}
	select {
	case <-d.Done():
		t.Errorf("expected the record to wait for the finish result, got %v", d.Err())
	default:
	}
	if tk.State() != StateCompleted {
		t.Errorf("expected completed, got %s", tk.State())
	}
}
