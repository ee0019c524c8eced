package upload

import (
	"errors"
	"fmt"

	"github.com/lgulliver/chunkstone/internal/session"
)

var (
	ErrInvalidRequest  = errors.New("invalid upload request")
	ErrSessionNotFound = session.ErrNotFound
	ErrInvalidState    = errors.New("operation not valid in current session state")
	ErrInvalidIndex    = errors.New("chunk index out of range")
	ErrChunkTooLarge   = errors.New("chunk exceeds maximum size")
)

// MissingChunksError is returned by CompleteUpload when indices are absent
type MissingChunksError struct {
	Missing []int
}

func (e *MissingChunksError) Error() string {
	return fmt.Sprintf("upload incomplete: %d chunks missing", len(e.Missing))
}

// StorageUploadFailedError wraps an object store failure during handoff
type StorageUploadFailedError struct {
	Err error
}

func (e *StorageUploadFailedError) Error() string {
	return "storage upload failed: " + e.Err.Error()
}

func (e *StorageUploadFailedError) Unwrap() error {
	return e.Err
}

func invalidRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func invalidState(id string, status interface{}) error {
	return fmt.Errorf("%w: session %s is %v", ErrInvalidState, id, status)
}
