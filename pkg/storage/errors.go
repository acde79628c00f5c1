package storage

import (
	"errors"
	"fmt"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

// Kind classifies a storage failure.
type Kind int

// Error kinds.
const (
	KindNotFound Kind = iota + 1
	KindAlreadyExists
	KindIO
	KindInconsistent
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindIO:
		return "Io"
	case KindInconsistent:
		return "Inconsistent"
	case KindBusy:
		return "Busy"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
	ErrIO            = errors.New("storage: i/o failure")
	ErrInconsistent  = errors.New("storage: inconsistent state")
	ErrBusy          = errors.New("storage: resource busy")
)

// Error is the typed error returned by every Engine operation.
type Error struct {
	Op   string
	Kind Kind
	Key  resource.Key
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("storage: %s %s: %s", e.Op, e.Key, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind)
}

func sentinel(k Kind) error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindAlreadyExists:
		return ErrAlreadyExists
	case KindIO:
		return ErrIO
	case KindInconsistent:
		return ErrInconsistent
	case KindBusy:
		return ErrBusy
	}
	return nil
}

// KindOf returns the kind of a storage error, or 0 if err is not one.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

func newError(op string, kind Kind, key resource.Key, err error) *Error {
	return &Error{Op: op, Kind: kind, Key: key, Err: err}
}
