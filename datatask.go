// Package datatask exposes the session builder. Tasks, clients and the
// remaining options live in the task package.
package datatask

import (
	"github.com/adamwoolhether/datatask/task"
)

// NewSession instantiates a new *task.Session with the provided options.
// If not specified, a default transport, an empty credential store and a
// download manager logging to slog.Default() are used.
func NewSession(opts ...task.Option) (*task.Session, error) {
	return task.NewSession(opts...)
}
