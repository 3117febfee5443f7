package engine

import (
	"errors"
	"fmt"

	"pagefs/internal/disk"
	"pagefs/internal/logging"
)

var (
	errLogger = logging.GetLogger().WithPrefix("error")

	// ErrNotFound indicates the name is absent from the directory
	ErrNotFound = errors.New("no such file or directory")

	// ErrAlreadyExists indicates a name collision on create
	ErrAlreadyExists = errors.New("name already exists")

	// ErrNotEmpty indicates rmdir on a directory with children
	ErrNotEmpty = errors.New("directory not empty")

	// ErrIsADirectory indicates a file operation on a directory
	ErrIsADirectory = errors.New("is a directory")

	// ErrNotADirectory indicates a directory operation on a file
	ErrNotADirectory = errors.New("not a directory")

	// ErrInvalidName indicates a reserved or malformed name
	ErrInvalidName = errors.New("invalid name")

	// ErrOutOfSpace indicates the pool bitmap is exhausted
	ErrOutOfSpace = disk.ErrOutOfSpace

	// ErrMaxDepthExceeded indicates the directory stack bound was hit
	ErrMaxDepthExceeded = errors.New("maximum directory depth exceeded")

	// ErrCorruptChain indicates a chain walk found an inconsistent record
	ErrCorruptChain = errors.New("corrupt chain")

	// ErrFileTooLarge indicates content that could not fit even in an empty pool
	ErrFileTooLarge = errors.New("file too large")

	// ErrInvalidPage indicates a page number outside the image
	ErrInvalidPage = errors.New("page number out of range")
)

// Error wraps an engine failure with the operation and name it concerns.
type Error struct {
	Op   string // Operation that failed (e.g., "mkdir", "cat")
	Name string // Affected name or path
	Err  error  // Underlying error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
}

// Unwrap implements error unwrapping for the errors.Is/As functions
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error with the given operation, name, and cause.
// A cause that already is an *Error is returned unchanged so nested
// operations keep the innermost context.
func NewError(op string, name string, err error) error {
	var engErr *Error
	if errors.As(err, &engErr) {
		return err
	}
	engErr = &Error{
		Op:   op,
		Name: name,
		Err:  err,
	}
	errLogger.Debug("%v", engErr)
	return engErr
}

// corruptf reports an inconsistent on-disk structure.
func corruptf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCorruptChain, fmt.Sprintf(format, args...))
}

// Operation names for consistent logging and error reporting
const (
	OpMkdir    = "mkdir"
	OpRmdir    = "rmdir"
	OpRm       = "rm"
	OpRmForce  = "rm -rf"
	OpLs       = "ls"
	OpCd       = "cd"
	OpPwd      = "pwd"
	OpCat      = "cat"
	OpGet      = "get"
	OpWrite    = "write"
	OpAppend   = "append"
	OpDump     = "dump"
	OpGetPages = "getpages"
	OpScandisk = "scandisk"
	OpLookup   = "lookup"
	OpFlush    = "flush"
)
