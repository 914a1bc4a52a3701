package download

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// ErrUnknownDownload is returned when an id does not name a registered download.
var ErrUnknownDownload = errors.New("unknown download")

// Source is what drives a download's bytes, usually a data task.
type Source interface {
	// Cancel stops the transfer. The source reports the outcome through
	// the Download's DidFail.
	Cancel()
}

// Manager tracks downloads by id and collects their outcomes.
type Manager struct {
	logger   *slog.Logger
	clock    clock.Clock
	progress bool

	wg        sync.WaitGroup
	mu        sync.Mutex
	downloads map[uuid.UUID]*Download
	errs      []error
}

// NewManager creates a Manager with the given options.
func NewManager(optFns ...Option) (*Manager, error) {
	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	m := &Manager{
		logger:    slog.Default(),
		clock:     clock.New(),
		progress:  opts.progress,
		downloads: make(map[uuid.UUID]*Download),
	}
	if opts.logger != nil {
		m.logger = opts.logger
	}
	if opts.clock != nil {
		m.clock = opts.clock
	}

	return m, nil
}

// Register records a new download of originURL driven by source. The zero
// id is replaced by a fresh one. Registering an id twice fails.
func (m *Manager) Register(id uuid.UUID, originURL string, source Source) (*Download, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.downloads[id]; ok {
		return nil, fmt.Errorf("download %s already registered", id)
	}

	d := &Download{
		id:        id,
		originURL: originURL,
		manager:   m,
		source:    source,
		total:     -1,
		done:      make(chan struct{}),
		startTime: m.clock.Now(),
	}
	m.downloads[id] = d
	m.wg.Add(1)

	return d, nil
}

// Get returns the download registered under id.
func (m *Manager) Get(id uuid.UUID) (*Download, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.downloads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDownload, id)
	}

	return d, nil
}

// Cancel asks the source of the download registered under id to stop.
func (m *Manager) Cancel(id uuid.UUID) error {
	d, err := m.Get(id)
	if err != nil {
		return err
	}
	d.Cancel()

	return nil
}

// Wait blocks until every registered download has finished or failed.
// Returns all failures joined.
func (m *Manager) Wait() error {
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	return errors.Join(m.errs...)
}

func (m *Manager) complete(d *Download, err error) {
	m.mu.Lock()
	delete(m.downloads, d.id)
	if err != nil {
		m.errs = append(m.errs, err)
	}
	m.mu.Unlock()

	m.wg.Done()
}

// Download is the record a source reports a transfer's progress to once
// it has been diverted to disk.
type Download struct {
	id        uuid.UUID
	originURL string
	manager   *Manager
	source    Source

	mu          sync.Mutex
	destination string
	received    int64
	total       int64
	startTime   time.Time
	lastLog     time.Time
	finished    bool
	err         error
	done        chan struct{}
}

// ID returns the download id.
func (d *Download) ID() uuid.UUID { return d.id }

// OriginURL returns the URL the download was requested from.
func (d *Download) OriginURL() string { return d.originURL }

// SetExpectedLength records the expected body length, or -1 when unknown.
func (d *Download) SetExpectedLength(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.total = n
}

// DidCreateDestination records the destination once it has been reserved.
func (d *Download) DidCreateDestination(path string) {
	d.mu.Lock()
	d.destination = path
	d.mu.Unlock()

	d.manager.logger.Info("download started", "id", d.id, "url", d.originURL, "path", path)
}

// DidReceiveData adds n bytes written to disk.
func (d *Download) DidReceiveData(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.received += n

	if !d.manager.progress {
		return
	}
	now := d.manager.clock.Now()
	if now.Sub(d.lastLog) >= time.Second {
		d.lastLog = now
		d.logProgress("downloading", now)
	}
}

// DidFinish marks the download as published. Later reports are ignored.
func (d *Download) DidFinish() {
	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return
	}
	d.finished = true
	if d.manager.progress {
		d.logProgress("download complete", d.manager.clock.Now())
	}
	d.mu.Unlock()

	close(d.done)
	d.manager.complete(d, nil)
}

// DidFail marks the download as failed with err. Later reports are ignored.
func (d *Download) DidFail(err error) {
	if err == nil {
		err = errors.New("download failed")
	}

	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return
	}
	d.finished = true
	d.err = fmt.Errorf("download %s: %w", d.id, err)
	d.mu.Unlock()

	d.manager.logger.Error("download failed", "id", d.id, "url", d.originURL, "error", err)

	close(d.done)
	d.manager.complete(d, d.err)
}

// Destination returns the reserved destination path, if any.
func (d *Download) Destination() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.destination
}

// Received returns the bytes written so far.
func (d *Download) Received() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.received
}

// Done returns a channel that is closed when the download completes.
func (d *Download) Done() <-chan struct{} { return d.done }

// Err blocks until the download completes and returns its error.
func (d *Download) Err() error {
	<-d.done

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.err
}

// Cancel asks the source to stop. It does nothing once the download has completed.
func (d *Download) Cancel() {
	select {
	case <-d.done:
		return
	default:
	}
	if d.source != nil {
		d.source.Cancel()
	}
}

// logProgress must be called with d.mu held.
func (d *Download) logProgress(msg string, now time.Time) {
	elapsed := now.Sub(d.startTime)
	attrs := []any{
		"id", d.id,
		"elapsed", elapsed.Round(time.Millisecond),
		"transferred", d.received,
		"total", d.total,
	}
	if d.total > 0 {
		attrs = append(attrs, "progress", fmt.Sprintf("%.1f%%", float64(d.received)/float64(d.total)*100))
	}
	if secs := elapsed.Seconds(); secs > 0 {
		attrs = append(attrs, "mbps", fmt.Sprintf("%.2f", float64(d.received)/secs/(1024*1024)))
	}
	d.manager.logger.Info(msg, attrs...)
}
