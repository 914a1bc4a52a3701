// Package fixture is an HTTP server with the endpoints data tasks are
// exercised against: redirect chains, authentication challenges, multipart
// streams, downloads and slow responses.
package fixture

import (
	"context"
	"log/slog"
	"net/http"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Handler is a http.Handler that returns an error.
type Handler func(w http.ResponseWriter, r *http.Request) error

// Middleware chains Handlers.
type Middleware func(handler Handler) Handler

// mux routes requests through middleware, one span per request.
type mux struct {
	mux    *http.ServeMux
	mw     []Middleware
	log    *slog.Logger
	tracer trace.Tracer
}

func newMux(log *slog.Logger, tracer trace.Tracer, mw ...Middleware) *mux {
	return &mux{
		mux:    http.NewServeMux(),
		mw:     mw,
		log:    log,
		tracer: tracer,
	}
}

// handle registers h for pattern, e.g. "GET /bytes/{n}". An empty method
// matches every method.
func (m *mux) handle(method, path string, h Handler) {
	h = wrap(m.mw, h)

	pattern := path
	if method != "" {
		pattern = method + " " + path
	}

	m.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx, span := m.startSpan(w, r)
		defer span.End()

		if err := h(w, r.WithContext(ctx)); err != nil {
			m.log.Error("fixture", "path", r.URL.Path, "error", err)
		}
	})
}

func (m *mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mux.ServeHTTP(w, r)
}

// wrap applies mw around handler, first entry outermost.
func wrap(mw []Middleware, handler Handler) Handler {
	for _, mwFn := range slices.Backward(mw) {
		if mwFn != nil {
			handler = mwFn(handler)
		}
	}

	return handler
}

func (m *mux) startSpan(w http.ResponseWriter, r *http.Request) (context.Context, trace.Span) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := m.tracer.Start(ctx, "fixture.handler", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("http.request.method", r.Method),
		attribute.String("url.path", r.URL.Path),
	)

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(w.Header()))

	return ctx, span
}
