// Package apperr defines the discriminated error-kind result shared by the
// scheduler, environment manager, and supervisor, so that failures crossing
// those boundaries carry a stable machine-readable kind instead of an
// unstructured error string. Grounded on the teacher's
// command.Response{Result, Error *ErrorInfo} / command.ErrorInfo{Code,
// Message} JSON-RPC envelope shape in internal/command/handler.go.
package apperr

import "fmt"

// Kind is a stable, machine-readable failure classification (§7).
type Kind string

const (
	InvalidArgs     Kind = "invalid_args"
	NotFound        Kind = "not_found"
	AlreadyExists   Kind = "already_exists"
	IllegalState    Kind = "illegal_state"
	InvalidCron     Kind = "invalid_cron"
	EnvMissing      Kind = "env_missing"
	InUse           Kind = "in_use"
	PackageNotFound Kind = "package_not_found"
	IO              Kind = "io"
	ChildFailure    Kind = "child_failure"
)

// Error is the discriminated result type operations return instead of a
// bare error when the failure crosses a component boundary a caller is
// expected to branch on.
type Error struct {
	Kind    Kind
	Message string
	Payload any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an Error with no payload.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithPayload builds an Error carrying a structured payload (e.g. the list
// of tasks referencing an in-use environment).
func WithPayload(kind Kind, payload any, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Payload: payload}
}
