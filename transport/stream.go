package transport

import (
	"bufio"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"github.com/adamwoolhether/datatask/httpmsg"
)

// ErrNotMultipart is returned when a multipart stream is requested for a
// response without a boundary.
var ErrNotMultipart = errors.New("response is not multipart")

// sniffLen is how many body bytes content sniffing looks at.
const sniffLen = 512

// Stream is a response body read through asynchronous primitives. At most
// one operation may be outstanding at a time.
type Stream struct {
	r        io.Reader
	closers  []io.Closer
	response *httpmsg.Response

	err       error // sticky read error seen alongside data
	closeOnce sync.Once
}

// Response returns the response the stream carries the body of.
func (s *Stream) Response() *httpmsg.Response { return s.response }

// Read fills buf on a new goroutine and calls done with the byte count.
// End of stream is reported as (0, nil).
func (s *Stream) Read(buf []byte, done func(n int, err error)) {
	go func() {
		done(s.readSome(buf))
	}()
}

func (s *Stream) readSome(buf []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}

	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				s.err = err
			}
			return n, nil
		}
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// Skip discards up to n bytes on a new goroutine and calls done with the
// count discarded. End of stream is reported as (0, nil).
func (s *Stream) Skip(n int64, done func(skipped int64, err error)) {
	go func() {
		skipped, err := io.CopyN(io.Discard, s.r, n)
		if errors.Is(err, io.EOF) {
			err = nil
		}
		done(skipped, err)
	}()
}

// Close releases the body. It is safe to call more than once.
func (s *Stream) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		for _, c := range s.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})

	return errors.Join(errs...)
}

// MultipartStream iterates the parts of a multipart response body.
type MultipartStream struct {
	stream *Stream
	mr     *multipart.Reader
}

// NewMultipartStream wraps s, whose response must carry a boundary.
func NewMultipartStream(s *Stream) (*MultipartStream, error) {
	boundary := s.response.Boundary()
	if boundary == "" {
		return nil, ErrNotMultipart
	}

	return &MultipartStream{
		stream: s,
		mr:     multipart.NewReader(s.r, boundary),
	}, nil
}

// Response returns the response of the enclosing multipart body.
func (m *MultipartStream) Response() *httpmsg.Response { return m.stream.response }

// NextPart advances to the next part on a new goroutine. done receives the
// part's stream, or a nil stream once every part has been consumed.
func (m *MultipartStream) NextPart(done func(*Stream, error)) {
	go func() {
		part, err := m.mr.NextRawPart()
		if errors.Is(err, io.EOF) {
			done(nil, nil)
			return
		}
		if err != nil {
			done(nil, err)
			return
		}

		done(&Stream{
			r:        part,
			closers:  []io.Closer{part},
			response: httpmsg.NewPartResponse(m.stream.response.URL, part.Header),
		}, nil)
	}()
}

// Close releases the enclosing body.
func (m *MultipartStream) Close() error {
	return m.stream.Close()
}

// newStream wraps resp's body with content decoding and sniffing.
func (m *Message) newStream(resp *http.Response) (*Stream, error) {
	header := resp.Header.Clone()

	var r io.Reader = resp.Body
	closers := []io.Closer{resp.Body}

	if m.decode {
		if dr := newDecodingReader(header.Get("Content-Encoding"), r); dr != nil {
			r = dr
			closers = append([]io.Closer{dr}, closers...)
			header.Del("Content-Encoding")
			header.Del("Content-Length")
		}
	}

	out := httpmsg.NewResponse(m.url, resp.StatusCode, resp.Status, header)

	if m.flags.SniffContent && resp.StatusCode != http.StatusNotModified && shouldSniff(out.MIMEType) {
		br := bufio.NewReaderSize(r, sniffLen)
		peek, err := br.Peek(sniffLen)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, err
		}
		if len(peek) > 0 {
			out.SetContentType(mimetype.Detect(peek).String())
		}
		r = br
	}

	return &Stream{r: r, closers: closers, response: out}, nil
}

func shouldSniff(mimeType string) bool {
	switch mimeType {
	case "", "text/plain", "application/octet-stream", "unknown/unknown", "application/unknown", "*/*":
		return true
	default:
		return false
	}
}
