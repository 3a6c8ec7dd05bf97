package livelog

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies live import failures.
type Kind int

const (
	KindInvalidInput Kind = iota + 1
	KindInternal
	KindNotImplemented
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindInternal:
		return "internal"
	case KindNotImplemented:
		return "not_implemented"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// HTTPStatus returns the response status for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotImplemented:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// Error is a live import failure reported back to the harness.
type Error struct {
	Kind    Kind
	Message string
	// Data is merged into the response body next to the message.
	Data map[string]any
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Body returns the response payload.
func (e *Error) Body() map[string]any {
	body := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		body[k] = v
	}
	body["message"] = e.Message
	return body
}

func invalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func internal(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// InvalidInput builds a client input error.
func InvalidInput(msg string, data map[string]any) *Error {
	return &Error{Kind: KindInvalidInput, Message: msg, Data: data}
}

// AsError classifies err. Errors that are not live import errors are
// reported as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// IsKind reports whether err is a live import error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
