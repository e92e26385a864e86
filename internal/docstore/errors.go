package docstore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound indicates the requested document does not exist.
var ErrNotFound = errors.New("document not found")

// ErrChunkVectorMismatch indicates the caller supplied a different number of
// chunks and vectors. This is a caller error, never retried.
var ErrChunkVectorMismatch = errors.New("chunk and vector counts differ")

// WriteError indicates an atomic document write could not complete. The
// transaction is rolled back before the error surfaces: no partial state
// remains for the affected document.
type WriteError struct {
	Op         string
	DocumentID uuid.UUID
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("storage write failed (%s, document %s, rolled back): %v", e.Op, e.DocumentID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
