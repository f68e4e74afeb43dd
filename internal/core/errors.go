package core

import (
	"errors"
	"fmt"
)

// Store-level sentinels. Adapters return these (possibly wrapped) so the
// service can tell "absent" apart from a storage failure.
var (
	ErrMessageNotFound = errors.New("message not found")
	ErrUserNotFound    = errors.New("user not found")
)

type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindValidation
	KindNotFound
	KindGateway
	KindStorage
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindGateway:
		return "gateway"
	case KindStorage:
		return "storage"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is a business error returned by the dispatch service. Err keeps the
// underlying cause for logging; Msg is safe to show to callers.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns KindInternal for errors that did not come from the service.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage is the caller-facing text for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}

func authError(op string) error {
	return &Error{Kind: KindAuthentication, Op: op, Msg: "invalid user"}
}

func validationError(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

func notFoundError(op, msg string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: msg, Err: err}
}

func storageError(op string, err error) error {
	return &Error{Kind: KindStorage, Op: op, Msg: "storage failure", Err: err}
}

func gatewayError(op string, err error) error {
	return &Error{Kind: KindGateway, Op: op, Msg: "gateway rejected message", Err: err}
}
