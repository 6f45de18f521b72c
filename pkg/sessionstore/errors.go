package sessionstore

import (
	"errors"
	"fmt"
)

// ErrInvalidSessionID is returned for IDs that are empty or not path-safe.
var ErrInvalidSessionID = errors.New("invalid session id")

// StorageError reports an I/O failure on a session artifact. It is the one
// error class the agent lets escape a chat turn.
type StorageError struct {
	Op   string // create, read, write
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("session storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err wraps a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
