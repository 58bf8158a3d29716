package reactor

import (
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
)

var (
	ErrInvalidPath    = errors.New("reactor: invalid watch path")
	ErrInvalidKey     = errors.New("reactor: invalid key")
	ErrNotObservable  = errors.New("reactor: value is not an object or array")
	ErrDuplicateKey   = errors.New("reactor: key already defined")
	ErrNoData         = errors.New("reactor: watcher owner has no data object")
	ErrInfiniteUpdate = errors.New("reactor: possible infinite update loop")
)

// EvaluationError is returned when a watcher's expression fails.
type EvaluationError struct {
	Watcher *Watcher
	Expr    string
	Err     error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluating %s for watcher %d: %v", e.Expr, e.Watcher.ID(), e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// CallbackError wraps a panic recovered from a user watcher's callback.
type CallbackError struct {
	Watcher *Watcher
	Value   any
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback for watcher %s panicked: %v", e.Watcher, e.Value)
}

// ErrorHandler receives the warnings and errors the runtime cannot return to
// a caller, such as failures inside a scheduled flush.
type ErrorHandler interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type OnErrorFunc func(w *Watcher, err error)

type logErrorHandler struct {
	logger *slog.Logger
}

func (h logErrorHandler) Warn(msg string, args ...any) {
	h.logger.Warn(formatMessage(msg), args...)
}

func (h logErrorHandler) Error(msg string, args ...any) {
	h.logger.Error(formatMessage(msg), args...)
}

func formatMessage(msg string) string {
	return "[reactor]: " + msg
}
