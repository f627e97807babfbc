package engine

import "fmt"

type Kind string

const (
	KindInterpretation Kind = "interpretation"
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindCreation       Kind = "creation"
)

// Error is a failure local to one draft operation. Message is safe to show
// to the user; Err keeps the underlying cause for logs.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels below, so errors.Is(err, ErrConflict) holds
// for every conflict regardless of code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == "" && t.Kind == e.Kind
}

var (
	ErrInterpretation = &Error{Kind: KindInterpretation, Message: "interpretation failed"}
	ErrValidation     = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrNotFound       = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict       = &Error{Kind: KindConflict, Message: "conflict"}
	ErrCreation       = &Error{Kind: KindCreation, Message: "creation failed"}
)

func interpretationErr(code, msg string, err error) *Error {
	return &Error{Kind: KindInterpretation, Code: code, Message: msg, Retryable: true, Err: err}
}

func validationErr(code, msg string, err error) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg, Err: err}
}

func conflictErr(code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg}
}

func notFoundErr(id string) *Error {
	return &Error{Kind: KindNotFound, Code: "draft_not_found", Message: fmt.Sprintf("draft %s not found", id)}
}

func creationErr(code, msg string, retryable bool, err error) *Error {
	return &Error{Kind: KindCreation, Code: code, Message: msg, Retryable: retryable, Err: err}
}
