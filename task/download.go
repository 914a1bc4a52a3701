package task

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/adamwoolhether/datatask/download"
)

// startDownload diverts the body of t.response to the pending download
// location. From here on failures are reported to the download record.
// For a multipart body only the current part is saved.
func (t *Task) startDownload() {
	if !t.isDownload() || t.pendingDownloadLocation == "" {
		t.didFailDownload(t.newError(ErrDownloadDestination, errors.New("no download location set")))
		return
	}

	if t.response.StatusCode >= http.StatusBadRequest {
		t.didFailDownload(&Error{Err: ErrDownloadNetwork, URL: t.currentURL(), StatusCode: t.response.StatusCode})
		return
	}

	w, err := download.Create(t.pendingDownloadLocation, t.allowOverwrite, t.session.suffix, t.logger)
	if err != nil {
		t.didFailDownload(t.newError(ErrDownloadDestination, err))
		return
	}
	t.writer = w

	d, err := t.session.downloads.Register(t.pendingDownloadID, t.responseURL(), t)
	if err != nil {
		t.didFailDownload(t.newError(ErrDownloadDestination, err))
		return
	}
	t.download = d
	d.SetExpectedLength(t.response.ContentLength)
	d.DidCreateDestination(w.Path())

	t.span.SetAttributes(attribute.String("datatask.download_id", d.ID().String()))

	if obs, ok := t.client.(DownloadObserver); ok {
		obs.DidBecomeDownload(t, d)
	}

	if t.stream == nil {
		t.didFailDownload(t.newError(ErrDownloadNetwork, errors.New("response has no body stream")))
		return
	}
	t.read()
}

func (t *Task) writeDownload(data []byte) {
	t.begin()
	t.writer.Write(data, func(err error) {
		t.post(completion{run: func() {
			if err != nil {
				t.didFailDownload(t.newError(ErrDownloadDestination, err))
				return
			}
			t.didWriteDownload(int64(len(data)))
		}})
	})
}

func (t *Task) didWriteDownload(n int64) {
	t.download.DidReceiveData(n)
	t.read()
}

func (t *Task) didFinishDownload() {
	t.begin()
	t.writer.Finish(t.responseURL(), func(err error) {
		t.post(completion{
			run: func() {
				if err != nil {
					t.didFailDownload(t.newError(ErrDownloadDestination, err))
					return
				}

				t.logger.Debug("download finished", "path", t.writer.Path(), "bytes", t.writer.Written())
				t.clearRequest()
				t.download.DidFinish()
			},
			// Canceled too late: the file is already in place.
			drop: func() {
				if err == nil && t.writer.Published() {
					t.download.DidFinish()
				}
			},
		})
	})
}

// didFailDownload releases the task, deletes the partial files and reports
// err to the download record, or to the client if no record exists yet.
func (t *Task) didFailDownload(err error) {
	t.recordError(err)
	t.clearRequest()
	t.cleanDownloadFiles()

	if t.download != nil {
		t.download.DidFail(err)
		return
	}
	t.client.DidCompleteWithError(t, err)
}

func (t *Task) cleanDownloadFiles() {
	if t.writer == nil {
		return
	}
	if err := t.writer.Discard(); err != nil {
		t.logger.Warn("deleting download files", "error", err)
	}
}

func (t *Task) responseURL() string {
	if t.response != nil && t.response.URL != nil {
		return t.response.URL.Redacted()
	}

	return t.currentURL()
}
