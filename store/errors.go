package store

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindIO Kind = iota + 1
	KindEncoding
	KindPrecondition
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindEncoding:
		return "encoding"
	case KindPrecondition:
		return "precondition"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is the error every backend returns. Match a kind with errors.Is(err, ErrIO) and friends.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

var (
	ErrIO           = &Error{Kind: KindIO}
	ErrEncoding     = &Error{Kind: KindEncoding}
	ErrPrecondition = &Error{Kind: KindPrecondition}

	ErrClosed = errors.New("store is closed")
)

func (e *Error) Error() string {
	if e.Op == "" && e.Err == nil {
		return fmt.Sprintf("store: %s error", e.Kind)
	}
	return fmt.Sprintf("store: %s %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IOError wraps err as a storage failure. Errors that already carry a kind are returned unchanged.
func IOError(op string, err error) error {
	return newError(KindIO, op, err)
}

func EncodingError(op string, err error) error {
	return newError(KindEncoding, op, err)
}

func PreconditionError(op string, err error) error {
	return newError(KindPrecondition, op, err)
}
