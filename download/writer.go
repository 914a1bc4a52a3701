// Package download stages response bodies into an intermediate file,
// publishes them atomically to their destination, and tracks each
// download through a Manager.
package download

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// DefaultSuffix is appended to the destination path to name the
// intermediate file. A file with this suffix left behind after an unclean
// shutdown is an incomplete download and should be deleted.
const DefaultSuffix = ".dtdownload"

var (
	// ErrDestinationExists is returned when the destination already exists
	// and overwriting was not allowed.
	ErrDestinationExists = errors.New("destination already exists")
	// ErrWriterClosed is returned by operations on a finished or discarded Writer.
	ErrWriterClosed = errors.New("writer closed")
)

// Writer is a sequential byte sink. Bytes go to the intermediate file and
// only reach the destination path when Finish renames it into place.
// Writes must not overlap: start the next one from the previous done.
type Writer struct {
	dest         string
	intermediate string
	logger       *slog.Logger

	mu        sync.Mutex
	file      *os.File
	written   int64
	closed    bool
	published bool
}

// Create reserves dest and opens the intermediate file next to it. Without
// allowOverwrite an existing dest fails with ErrDestinationExists. With it,
// an existing dest is only checked for writability; its content is left
// alone until the download is published.
func Create(dest string, allowOverwrite bool, suffix string, logger *slog.Logger) (*Writer, error) {
	if dest == "" {
		return nil, errors.New("destination must not be empty")
	}
	if suffix == "" {
		suffix = DefaultSuffix
	}
	if logger == nil {
		logger = slog.Default()
	}
	dest = filepath.Clean(dest)

	created := true
	flags := os.O_WRONLY | os.O_CREATE
	if allowOverwrite {
		if _, err := os.Stat(dest); err == nil {
			created = false
		}
	} else {
		flags |= os.O_EXCL
	}
	reserved, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrDestinationExists, dest)
		}
		return nil, fmt.Errorf("reserving destination: %w", err)
	}
	if err := reserved.Close(); err != nil {
		return nil, fmt.Errorf("closing destination: %w", err)
	}

	intermediate := dest + suffix
	file, err := os.OpenFile(intermediate, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		if created {
			if rmErr := os.Remove(dest); rmErr != nil {
				logger.Error("removing destination", "path", dest, "error", rmErr)
			}
		}
		return nil, fmt.Errorf("creating intermediate file: %w", err)
	}

	return &Writer{
		dest:         dest,
		intermediate: intermediate,
		logger:       logger,
		file:         file,
	}, nil
}

// Path returns the destination path.
func (w *Writer) Path() string { return w.dest }

// IntermediatePath returns the path bytes are staged at.
func (w *Writer) IntermediatePath() string { return w.intermediate }

// Written returns the number of bytes written so far.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.written
}

// Published reports whether Finish moved the file into place.
func (w *Writer) Published() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.published
}

// Write writes all of p on a new goroutine and calls done once it is on
// disk or has failed. A short write is an error. p must not be modified
// until done runs.
func (w *Writer) Write(p []byte, done func(error)) {
	go func() {
		done(w.write(p))
	}()
}

func (w *Writer) write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.file.Write(p)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("writing intermediate file: %w", err)
	}
	if n != len(p) {
		return fmt.Errorf("writing intermediate file: %w", errors.New("short write"))
	}

	return nil
}

// Finish closes the intermediate file and renames it over the destination
// on a new goroutine. On success the origin URL is attached to the
// published file when the platform allows it; that step never fails the
// download.
func (w *Writer) Finish(originURL string, done func(error)) {
	go func() {
		done(w.finish(originURL))
	}()
}

func (w *Writer) finish(originURL string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("syncing intermediate file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing intermediate file: %w", err)
	}
	if err := os.Rename(w.intermediate, w.dest); err != nil {
		return fmt.Errorf("publishing download: %w", err)
	}
	w.published = true

	if originURL != "" {
		if err := setOriginURL(w.dest, originURL); err != nil {
			w.logger.Debug("attaching origin url", "path", w.dest, "error", err)
		}
	}

	return nil
}

// Discard closes the writer if needed and deletes the destination and the
// intermediate file. It is safe to call more than once. Once Finish has
// published the download, Discard does nothing.
func (w *Writer) Discard() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.published {
		return nil
	}

	var errs []error
	if !w.closed {
		w.closed = true
		if err := w.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing intermediate file: %w", err))
		}
	}

	for _, path := range []string{w.intermediate, w.dest} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %w", path, err))
		}
	}

	return errors.Join(errs...)
}
