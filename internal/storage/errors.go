package storage

import (
	"errors"
	"fmt"

	"github.com/chfs-io/chfs/internal/pathutil"
)

// Kind classifies a storage failure for HTTP status mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindNotDir
	KindExists
	KindParentMissing
	KindBadPath
	KindTraversal
	KindTooLarge
)

// Error is a storage gateway failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s: %s", e.Op, e.message())
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) message() string {
	switch e.Kind {
	case KindNotFound:
		return "not found"
	case KindNotDir:
		return "not a directory"
	case KindExists:
		return "already exists"
	case KindParentMissing:
		return "parent directory does not exist"
	case KindBadPath:
		return "invalid path"
	case KindTraversal:
		return "invalid path"
	case KindTooLarge:
		return "file too large"
	default:
		return "internal error"
	}
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// pathError converts a path resolver failure. Traversal errors do not
// reveal which segment failed.
func pathError(op string, err error) *Error {
	if errors.Is(err, pathutil.ErrPathTraversal) {
		return &Error{Kind: KindTraversal, Op: op}
	}
	return &Error{Kind: KindBadPath, Op: op}
}

// KindOf extracts the storage kind from an error chain, or KindInternal.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}
