package fixture

import (
	"errors"
	"log/slog"
	"net/http"
)

// Error is a handler failure with the status it should be answered with.
type Error struct {
	Code int   `json:"code"`
	Err  error `json:"-"`
}

func (err Error) Error() string {
	return err.Err.Error()
}

func (err Error) Unwrap() error {
	return err.Err
}

func newError(code int, err error) Error {
	return Error{Code: code, Err: err}
}

// errorsMW answers handler errors as JSON. Errors that are not an Error
// become a 500.
func errorsMW(log *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(w http.ResponseWriter, r *http.Request) error {
			err := next(w, r)
			if err == nil {
				return nil
			}

			code := http.StatusInternalServerError
			if fe, ok := errors.AsType[Error](err); ok {
				code = fe.Code
			}
			log.Debug("handler failed", "path", r.URL.Path, "status", code, "error", err)

			return respondJSON(w, code, map[string]string{"error": err.Error()})
		}
	}
}

// countMW records every request that reaches a route.
func countMW(s *Server) Middleware {
	return func(next Handler) Handler {
		return func(w http.ResponseWriter, r *http.Request) error {
			s.hit(r.URL.Path)
			return next(w, r)
		}
	}
}
