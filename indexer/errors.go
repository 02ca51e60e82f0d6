package indexer

import (
	"errors"
	"fmt"

	"github.com/zhishengyuan/searchgram-index/engines"
)

// Error kinds. Every error returned by an Indexer wraps exactly one of them.
var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrDuplicateKey       = errors.New("duplicate key")
	ErrNotFound           = errors.New("not found")
	ErrInvalidQuery       = errors.New("invalid query")
	ErrInvalidPage        = errors.New("invalid page")
	ErrEmptyIndex         = errors.New("empty index")
	ErrWriteFailure       = errors.New("write failure")
	ErrInvalidMessage     = errors.New("invalid message")
)

// Error describes a failed indexer operation
type Error struct {
	Op   string // Operation name, e.g. "add"
	Kind error  // One of the Err* kinds
	Err  error  // Underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// readError classifies a failed engine read
func readError(op string, err error) error {
	var ixErr *Error
	if errors.As(err, &ixErr) {
		return err
	}
	if errors.Is(err, engines.ErrNotExist) {
		return newError(op, ErrNotFound, err)
	}
	return newError(op, ErrStorageUnavailable, err)
}

// Kind returns the kind of err, or nil when err did not come from an Indexer
func Kind(err error) error {
	var ixErr *Error
	if errors.As(err, &ixErr) {
		return ixErr.Kind
	}
	return nil
}
