package document

import (
	"errors"
	"fmt"
)

// ErrInvalidPosition indicates a position whose line lies outside the document.
var ErrInvalidPosition = errors.New("invalid position")

// ErrInvalidURI indicates a URI that cannot be mapped to a local file path.
var ErrInvalidURI = errors.New("invalid document uri")

// FileIOError reports a document that could not be read or written.
type FileIOError struct {
	Op   string // "read" or "write"
	Path string
	Err  error
}

// Error implements the error interface.
func (e *FileIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *FileIOError) Unwrap() error {
	return e.Err
}
