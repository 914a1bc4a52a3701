package fixture

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Realm is the realm of the /basic-auth challenge.
const Realm = "fixture"

type options struct {
	log    *slog.Logger
	tracer trace.Tracer
	tls    bool
}

// Option configures a Server.
type Option func(*options)

// WithLogger sets the server's logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithTracer sets the tracer handler spans are started on.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// WithTLS serves over https with a self-signed certificate.
func WithTLS() Option {
	return func(o *options) { o.tls = true }
}

// Server is a running fixture server.
type Server struct {
	*httptest.Server

	mu   sync.Mutex
	hits map[string]int
}

// Start starts a Server. Close it when done.
//
// Routes:
//
//	GET  /bytes/{n}                  n random bytes, named data.bin
//	GET  /text/{name}                the name as text/plain, named {name}
//	ANY  /redirect/{n}               302 chain of n hops ending in /echo
//	ANY  /redirect-to?url=&status=   one redirect to url
//	GET  /basic-auth/{user}/{pass}   401 Basic challenge unless authorized
//	GET  /multipart/{n}              multipart/x-mixed-replace with n parts
//	GET  /delay/{ms}                 responds after ms milliseconds
//	GET  /status/{code}              empty response with code
//	ANY  /echo                       the request as JSON
func Start(optFns ...Option) *Server {
	opts := options{
		log:    slog.New(slog.DiscardHandler),
		tracer: noop.NewTracerProvider().Tracer("fixture"),
	}
	for _, opt := range optFns {
		opt(&opts)
	}

	s := &Server{hits: make(map[string]int)}

	m := newMux(opts.log, opts.tracer, errorsMW(opts.log), countMW(s))
	m.handle(http.MethodGet, "/bytes/{n}", bytesHandler)
	m.handle(http.MethodGet, "/text/{name}", textHandler)
	m.handle("", "/redirect/{n}", redirectHandler)
	m.handle("", "/redirect-to", redirectToHandler)
	m.handle(http.MethodGet, "/basic-auth/{user}/{pass}", basicAuthHandler)
	m.handle(http.MethodGet, "/multipart/{n}", multipartHandler)
	m.handle(http.MethodGet, "/delay/{ms}", delayHandler)
	m.handle(http.MethodGet, "/status/{code}", statusHandler)
	m.handle("", "/echo", echoHandler)

	if opts.tls {
		s.Server = httptest.NewTLSServer(m)
	} else {
		s.Server = httptest.NewServer(m)
	}

	return s
}

// Hits reports how many requests reached path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hits[path]
}

func (s *Server) hit(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hits[path]++
}

func bytesHandler(w http.ResponseWriter, r *http.Request) error {
	n, err := paramInt(r, "n")
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(n))
	w.Header().Set("Content-Disposition", `attachment; filename="data.bin"`)
	w.WriteHeader(http.StatusOK)

	_, err = io.CopyN(w, rand.Reader, int64(n))
	return err
}

func textHandler(w http.ResponseWriter, r *http.Request) error {
	name := r.PathValue("name")

	w.Header().Set("Content-Type", contentTypeText)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)

	_, err := io.WriteString(w, name)
	return err
}

func redirectHandler(w http.ResponseWriter, r *http.Request) error {
	n, err := paramInt(r, "n")
	if err != nil {
		return err
	}

	if n == 0 {
		return redirect(w, r, "/echo", http.StatusFound)
	}

	return redirect(w, r, "/redirect/"+strconv.Itoa(n-1), http.StatusFound)
}

func redirectToHandler(w http.ResponseWriter, r *http.Request) error {
	location := r.URL.Query().Get("url")
	if location == "" {
		return newError(http.StatusBadRequest, errors.New("query param[url] is required"))
	}

	code, err := queryInt(r, "status", http.StatusFound)
	if err != nil {
		return err
	}

	return redirect(w, r, location, code)
}

func basicAuthHandler(w http.ResponseWriter, r *http.Request) error {
	user, pass, ok := r.BasicAuth()
	if !ok || user != r.PathValue("user") || pass != r.PathValue("pass") {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", Realm))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	return respondJSON(w, http.StatusOK, map[string]any{"authenticated": true, "user": user})
}

func multipartHandler(w http.ResponseWriter, r *http.Request) error {
	n, err := paramInt(r, "n")
	if err != nil {
		return err
	}

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusOK)

	for i := range n {
		pw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {contentTypeText}})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(pw, "part %d", i); err != nil {
			return err
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	return mw.Close()
}

func delayHandler(w http.ResponseWriter, r *http.Request) error {
	ms, err := paramInt(r, "ms")
	if err != nil {
		return err
	}

	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-r.Context().Done():
		return nil
	}

	return respondJSON(w, http.StatusOK, map[string]int{"delay_ms": ms})
}

func statusHandler(w http.ResponseWriter, r *http.Request) error {
	code, err := paramInt(r, "code")
	if err != nil {
		return err
	}
	if code < 100 || code > 599 {
		return newError(http.StatusBadRequest, fmt.Errorf("invalid status code: %d", code))
	}

	w.WriteHeader(code)
	return nil
}

// Echo is the body /echo answers with.
type Echo struct {
	Method string              `json:"method"`
	Path   string              `json:"path"`
	Header map[string][]string `json:"header"`
	Body   string              `json:"body"`
}

func echoHandler(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return newError(http.StatusBadRequest, err)
	}

	return respondJSON(w, http.StatusOK, Echo{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header,
		Body:   string(body),
	})
}
